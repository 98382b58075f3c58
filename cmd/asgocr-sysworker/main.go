// Command asgocr-sysworker is the lightweight OCR worker for platforms
// without Windows.Media.Ocr. It speaks the line protocol on stdin/stdout:
// persistent by default, or a single image with -once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/luolangaga/asgocr/ocr"
	"github.com/luolangaga/asgocr/ocr/tesseract"
)

type options struct {
	lang          string
	once          string
	minConfidence float64
}

func main() {
	opts := parseFlags()
	os.Exit(run(opts))
}

func parseFlags() options {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: asgocr-sysworker [-lang chi_sim] [-once image]\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&opts.lang, "lang", "chi_sim", "Tesseract language spec, e.g. chi_sim or chi_sim+eng")
	flag.StringVar(&opts.once, "once", "", "Recognize a single image and exit")
	flag.Float64Var(&opts.minConfidence, "min-confidence", 0, "Drop words below this confidence (0..1)")
	flag.Parse()
	return opts
}

func run(opts options) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := ocr.NewServer(os.Stdout)
	rec := tesseract.New(opts.lang)
	rec.MinConfidence = opts.minConfidence
	defer rec.Close()

	if err := rec.Check(); err != nil {
		fmt.Fprintf(os.Stderr, "asgocr-sysworker: %v\n", err)
		if opts.once != "" {
			srv.Respond(0, "", err)
		} else {
			srv.Fatal(err)
		}
		return 3
	}

	if opts.once != "" {
		if !srv.Once(ctx, opts.once, rec.Recognize) {
			return 1
		}
		return 0
	}

	if err := srv.Ready(false); err != nil {
		fmt.Fprintf(os.Stderr, "asgocr-sysworker: %v\n", err)
		return 1
	}
	if err := srv.Serve(ctx, os.Stdin, rec.Recognize); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "asgocr-sysworker: %v\n", err)
		return 1
	}
	return 0
}
