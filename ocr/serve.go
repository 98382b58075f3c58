package ocr

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// RecognizeFunc recognizes the text of one image file.
type RecognizeFunc func(ctx context.Context, imagePath string) (string, error)

// Server is the worker side of the line protocol, for workers written in Go.
type Server struct {
	mu  sync.Mutex
	out io.Writer
}

// NewServer writes protocol lines to out.
func NewServer(out io.Writer) *Server { return &Server{out: out} }

func (s *Server) emit(m Message) error {
	line, err := EncodeLine(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(line)
	return err
}

// Ready announces that the worker accepts requests.
func (s *Server) Ready(gpu bool) error {
	return s.emit(Message{Type: TypeReady, GPU: &gpu})
}

// Fatal announces an unrecoverable failure.
func (s *Server) Fatal(err error) error {
	m := errorMessage(err)
	m.Type = TypeFatal
	return s.emit(m)
}

// Respond answers request id with the outcome of a recognition.
func (s *Server) Respond(id int64, text string, err error) error {
	var m Message
	if err != nil {
		m = errorMessage(err)
	} else {
		ok := true
		m = Message{OK: &ok, Text: text}
	}
	m.ID = &id
	return s.emit(m)
}

func errorMessage(err error) Message {
	ok := false
	m := Message{OK: &ok, Error: err.Error()}
	var ce *CapabilityMissingError
	if errors.As(err, &ce) {
		m.Code = CodeCapabilityMissing
		m.Language = ce.Capability
		m.Languages = ce.Available
		m.Error = ce.Detail
		if m.Error == "" {
			m.Error = ce.Error()
		}
	}
	return m
}

// Serve reads requests from in until EOF or ctx ends, answering each with
// recognize. Malformed request lines are skipped. Requests are handled one at
// a time, in order.
func (s *Server) Serve(ctx context.Context, in io.Reader, recognize RecognizeFunc) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		req, ok := decodeRequest(line)
		if !ok {
			continue
		}
		text, err := recognize(ctx, req.ImagePath)
		if err := s.Respond(req.ID, text, err); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Once handles a single image and reports whether it succeeded.
func (s *Server) Once(ctx context.Context, imagePath string, recognize RecognizeFunc) bool {
	text, err := recognize(ctx, imagePath)
	s.Respond(0, text, err)
	return err == nil
}
