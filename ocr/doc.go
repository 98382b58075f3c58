// Package ocr runs the text recognition backends. Each backend lives in its
// own long-lived worker process speaking a line-delimited JSON protocol over
// stdin/stdout:
//
//	-> {"id":1,"image_path":"/tmp/crop.png"}
//	<- {"id":1,"ok":true,"text":"..."}
//	<- {"id":1,"ok":false,"error":"..."}
//	<- {"type":"ready","gpu":false}       (once, unsolicited)
//	<- {"type":"fatal","error":"..."}     (unsolicited, unrecoverable)
//
// The Gateway owns one Worker per engine, restarts it lazily, recycles it
// after a request ceiling, and falls back to a one-shot invocation of the same
// backend when the persistent channel fails.
package ocr
