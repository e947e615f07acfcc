// Package codec implements the reversible value<->bytes mapping of §4.2:
// a Codec tagged by content-type, and a Selector that negotiates one
// from Content-Type / Accept / body sniffing / service default.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
)

// Codec declares a content-type and its marshal/unmarshal pair.
type Codec interface {
	ContentType() string
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// JSONCodec is the default, always-registered codec.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Marshal(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, svcerrors.Wrap(svcerrors.Internal, err, "json marshal failed")
	}
	return b, nil
}

func (JSONCodec) Unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return svcerrors.Wrap(svcerrors.InvalidArgument, err, "json unmarshal failed")
	}
	return nil
}

// ProtoCodec marshals values that implement proto.Message. It is offered
// for content-type application/x-protobuf; Marshal of a value that does not
// implement proto.Message fails with Internal, and Unmarshal into such a
// target fails with UnsupportedMedia (the selector only chooses this codec
// when Content-Type/Accept ask for it explicitly).
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Marshal(value any) ([]byte, error) {
	msg, ok := value.(proto.Message)
	if !ok {
		return nil, svcerrors.New(svcerrors.Internal, "value does not implement proto.Message")
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, svcerrors.Wrap(svcerrors.Internal, err, "protobuf marshal failed")
	}
	return b, nil
}

func (ProtoCodec) Unmarshal(data []byte, out any) error {
	msg, ok := out.(proto.Message)
	if !ok {
		return svcerrors.New(svcerrors.UnsupportedMedia, "target does not implement proto.Message")
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return svcerrors.Wrap(svcerrors.InvalidArgument, err, "protobuf unmarshal failed")
	}
	return nil
}

// Selector chooses a codec for requests and responses per §4.2.
type Selector struct {
	codecs  map[string]Codec
	Default Codec
}

// NewSelector returns a Selector seeded with JSON and Protobuf, defaulting
// to JSON.
func NewSelector() *Selector {
	s := &Selector{codecs: make(map[string]Codec)}
	s.Register(JSONCodec{})
	s.Register(ProtoCodec{})
	s.Default = JSONCodec{}
	return s
}

// Register adds or replaces a codec by its content type.
func (s *Selector) Register(c Codec) {
	s.codecs[c.ContentType()] = c
}

// ForRequest picks a codec for an inbound request body: Content-Type first,
// then a body-sniff fallback (`{`/`[` => JSON), then the service default.
func (s *Selector) ForRequest(contentType string, body []byte) (Codec, error) {
	ct := stripParams(contentType)
	if ct != "" {
		if c, ok := s.codecs[ct]; ok {
			return c, nil
		}
		return nil, svcerrors.New(svcerrors.UnsupportedMedia, fmt.Sprintf("unsupported content-type: %s", ct))
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if c, ok := s.codecs[JSONCodec{}.ContentType()]; ok {
			return c, nil
		}
	}
	return s.Default, nil
}

// ForResponse picks a codec for an outbound response given the request's
// Accept header: highest q>0 supported type wins, else the service default.
func (s *Selector) ForResponse(accept string) Codec {
	if accept == "" {
		return s.Default
	}
	for _, ct := range rankAccept(accept) {
		if c, ok := s.codecs[ct]; ok {
			return c
		}
	}
	return s.Default
}

type weightedType struct {
	ct string
	q  float64
}

// rankAccept parses an Accept header with quality factors and returns
// content-types ordered from highest q to lowest, q<=0 excluded.
func rankAccept(accept string) []string {
	parts := strings.Split(accept, ",")
	weighted := make([]weightedType, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		segs := strings.Split(p, ";")
		ct := strings.TrimSpace(segs[0])
		q := 1.0
		for _, seg := range segs[1:] {
			seg = strings.TrimSpace(seg)
			if strings.HasPrefix(seg, "q=") {
				if v, err := strconv.ParseFloat(strings.TrimPrefix(seg, "q="), 64); err == nil {
					q = v
				}
			}
		}
		if q > 0 {
			weighted = append(weighted, weightedType{ct: ct, q: q})
		}
	}
	sort.SliceStable(weighted, func(i, j int) bool { return weighted[i].q > weighted[j].q })
	out := make([]string, len(weighted))
	for i, w := range weighted {
		out[i] = w.ct
	}
	return out
}

func stripParams(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(contentType)
}
