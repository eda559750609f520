// Package inventory parses object-storage inventory manifests.
//
// An inventory manifest is a comma-separated listing with one stored object per
// line. Only the first two columns are interpreted: column 0 is the bucket and
// column 1 is the percent-encoded object key. All other columns are opaque and
// travel with the record in RawLine.
package inventory

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedRecord is returned for lines that cannot be routed. Callers skip
// the line and keep reading the file.
var ErrMalformedRecord = errors.New("malformed inventory record")

// MinKeySegments is the number of key segments needed to route a record:
// event type, year, month and day.
const MinKeySegments = 4

// Record is one parsed manifest row.
type Record struct {
	Bucket string // quotes stripped
	Key    string // quotes stripped, percent-decoded: the stored object's key

	// RouteKey is the key with only partition markers ("%3D") decoded. Shard
	// routing and archive prefixes use it, so an encoded "/" inside a segment
	// never adds a path level.
	RouteKey string

	RawLine string // line as read, re-emitted verbatim into shards
}

// Segments splits the route key into its "/" separated path segments.
// By convention [0]=event type, [1]=year, [2]=month, [3]=day.
func (r Record) Segments() []string {
	return strings.Split(r.RouteKey, "/")
}

// ParseLine parses a single manifest row.
func ParseLine(line string) (Record, error) {
	columns := strings.SplitN(line, ",", 3)
	if len(columns) < 2 {
		return Record{}, fmt.Errorf("%w: missing key column", ErrMalformedRecord)
	}

	raw := stripQuotes(columns[1])
	rec := Record{
		Bucket:   stripQuotes(columns[0]),
		Key:      decodeKey(raw),
		RouteKey: equalsDecoder.Replace(raw),
		RawLine:  line,
	}

	if n := strings.Count(rec.RouteKey, "/") + 1; n < MinKeySegments {
		return Record{}, fmt.Errorf("%w: key %q has %d segments, need %d",
			ErrMalformedRecord, rec.RouteKey, n, MinKeySegments)
	}
	return rec, nil
}

func stripQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, "")
}

var equalsDecoder = strings.NewReplacer("%3D", "=", "%3d", "=")

// decodeKey percent-decodes an inventory key. Keys carrying an invalid escape
// sequence still get the "=" decoding that partition markers rely on.
func decodeKey(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return equalsDecoder.Replace(raw)
	}
	return decoded
}

// encodeKey is the inverse of decodeKey, used when rows arrive unencoded
// (Parquet reports) and must be re-emitted as CSV.
func encodeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
