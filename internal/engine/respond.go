package engine

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/trellisdata/trellis/internal/serializer"
)

// etagFreshFor is how long a 304 tells the client to keep its copy.
const etagFreshFor = 10 * time.Minute

// compressMinSize is the smallest body worth compressing.
const compressMinSize = 1000

// compressibleTypes lists the media types compression applies to.
var compressibleTypes = map[string]bool{
	serializer.MediaJSON:        true,
	serializer.MediaMsgpack:     true,
	serializer.MediaCSV:         true,
	serializer.MediaText:        true,
	serializer.MediaOctetStream: true,
}

// zstdPool is a stateless encoder used via EncodeAll; safe for concurrent
// use.
var zstdPool, _ = zstd.NewWriter(nil,
	zstd.WithEncoderLevel(zstd.SpeedDefault),
	zstd.WithEncoderConcurrency(1))

// writeEnvelope serializes v as the response envelope: JSON by default,
// msgpack when the Accept header asks for it.
func (e *Engine) writeEnvelope(w http.ResponseWriter, r *http.Request, status int, v any) {
	mediaType := serializer.MediaJSON
	if acceptsMsgpack(r.Header.Get("Accept")) {
		mediaType = serializer.MediaMsgpack
	}

	start := time.Now()
	var body []byte
	var err error
	switch mediaType {
	case serializer.MediaMsgpack:
		body, err = marshalEnvelopeMsgpack(v)
	default:
		body, err = json.Marshal(v)
	}
	observeStage(r.Context(), "serialize", start)
	if err != nil {
		e.handleError(w, r, fmt.Errorf("failed to encode response: %w", err))
		return
	}
	e.writeBody(w, r, status, mediaType, body)
}

// writeBody emits a fully serialized response: deterministic ETag,
// conditional 304, negotiated compression, Server-Timing.
func (e *Engine) writeBody(w http.ResponseWriter, r *http.Request, status int, mediaType string, body []byte) {
	h := w.Header()

	etag := bodyETag(body, mediaType)
	h.Set("ETag", `"`+etag+`"`)
	if status == http.StatusOK && etagMatches(r.Header.Get("If-None-Match"), etag) {
		h.Set("Expires", time.Now().Add(etagFreshFor).UTC().Format(http.TimeFormat))
		setServerTiming(w, r)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", mediaType)
	if encoding := negotiateEncoding(r.Header.Get("Accept-Encoding")); encoding != "" &&
		len(body) >= compressMinSize && compressibleTypes[baseMediaType(mediaType)] {
		start := time.Now()
		compressed, err := compressBody(encoding, body)
		observeStage(r.Context(), "compress", start)
		if err == nil && len(compressed) < len(body) {
			body = compressed
			h.Set("Content-Encoding", encoding)
			h.Add("Vary", "Accept-Encoding")
		}
	}

	h.Set("Content-Length", strconv.Itoa(len(body)))
	setServerTiming(w, r)
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func setServerTiming(w http.ResponseWriter, r *http.Request) {
	if state := stateFrom(r.Context()); state != nil {
		if header := state.timings.header(); header != "" {
			w.Header().Set("Server-Timing", header)
		}
	}
}

// bodyETag derives the entity tag from the serialized body and its media
// type, so the same data in a different format never shares a tag.
func bodyETag(body []byte, mediaType string) string {
	sum := sha256.New()
	sum.Write(body)
	sum.Write([]byte(mediaType))
	return hex.EncodeToString(sum.Sum(nil))
}

// etagMatches checks an If-None-Match header against the computed tag.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// acceptsMsgpack reports whether the Accept header names msgpack
// explicitly.
// marshalEnvelopeMsgpack reuses the json struct tags so both envelope
// encodings expose identical field names.
func marshalEnvelopeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func acceptsMsgpack(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		media := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(media, serializer.MediaMsgpack) {
			return true
		}
	}
	return false
}

// negotiateEncoding picks the response compression: zstd wins over gzip,
// identity otherwise. q=0 disables a coding.
func negotiateEncoding(acceptEncoding string) string {
	var hasZstd, hasGzip bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		fields := strings.Split(part, ";")
		coding := strings.ToLower(strings.TrimSpace(fields[0]))
		q := 1.0
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if strings.HasPrefix(f, "q=") {
				if v, err := strconv.ParseFloat(f[2:], 64); err == nil {
					q = v
				}
			}
		}
		if q == 0 {
			continue
		}
		switch coding {
		case "zstd":
			hasZstd = true
		case "gzip":
			hasGzip = true
		}
	}
	if hasZstd {
		return "zstd"
	}
	if hasGzip {
		return "gzip"
	}
	return ""
}

func compressBody(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "zstd":
		return zstdPool.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported content coding %q", encoding)
}

func baseMediaType(mediaType string) string {
	return strings.TrimSpace(strings.SplitN(mediaType, ";", 2)[0])
}
