package validator

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxInteger is the upper bound of every integer field, matching a positive 32-bit column
const maxInteger = math.MaxInt32

const schemaURL = "payload.schema.json"

//go:embed payload.schema.json
var payloadSchema []byte

// quotedName extracts property names from a "missing properties" message
var quotedName = regexp.MustCompile(`'([^']*)'`)

// fieldRank orders reported fields the way they appear in a payload
var fieldRank = map[string]int{
	"device": 0, "data": 1,
	"identnr": 0, "type": 1, "status": 2, "version": 3, "accessnr": 4, "manufacturer": 5,
	"value": 0, "tariff": 1, "subunit": 2, "dimension": 3, "storagenr": 4,
}

// FieldError describes one offending payload field
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError rejects a whole payload and enumerates every offending field
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// FieldNames returns the offending field paths in report order
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return names
}

// Payload is a validated gateway payload
type Payload struct {
	Device DeviceData
	Data   []ValueData
}

// DeviceData holds the validated device section of a payload
type DeviceData struct {
	Identnr      int64
	Type         int64
	Status       int64
	Version      int64
	Accessnr     int64
	Manufacturer int64
}

// ValueData holds one validated register reading
type ValueData struct {
	Value     string
	Tariff    int64
	Subunit   int64
	Dimension string
	Storagenr int64
}

// Validator checks gateway payloads against the embedded payload schema
type Validator struct {
	schema          *jsonschema.Schema
	maxStringLength int
}

// NewValidator compiles the payload schema with string fields bounded to maxStringLength characters
func NewValidator(maxStringLength int) *Validator {
	return &Validator{
		schema:          compileSchema(maxStringLength),
		maxStringLength: maxStringLength,
	}
}

// compileSchema panics when the embedded schema is broken
func compileSchema(maxStringLength int) *jsonschema.Schema {
	var doc map[string]any
	if err := json.Unmarshal(payloadSchema, &doc); err != nil {
		panic(fmt.Sprintf("validator: embedded schema: %v", err))
	}
	defs := doc["$defs"].(map[string]any)
	defs["text"].(map[string]any)["maxLength"] = maxStringLength

	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("validator: embedded schema: %v", err))
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("validator: embedded schema: %v", err))
	}
	return compiler.MustCompile(schemaURL)
}

// ValidatePayload decodes and validates a raw JSON payload.
// Either the full payload is returned or a *ValidationError listing every problem.
func (v *Validator) ValidatePayload(body []byte) (*Payload, error) {
	if !utf8.Valid(body) {
		return nil, bodyError("must be valid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, bodyError(fmt.Sprintf("malformed JSON: %v", err))
	}
	if dec.More() {
		return nil, bodyError("unexpected data after JSON object")
	}

	if err := v.schema.Validate(doc); err != nil {
		var serr *jsonschema.ValidationError
		if !errors.As(err, &serr) {
			return nil, fmt.Errorf("failed to validate payload: %w", err)
		}
		return nil, &ValidationError{Fields: v.fieldErrors(doc, serr)}
	}

	var wire wirePayload
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, bodyError(fmt.Sprintf("malformed payload: %v", err))
	}

	payload := wire.payload()
	if fields := outOfRange(payload); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return payload, nil
}

func bodyError(reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: "body", Reason: reason}}}
}

// fieldErrors flattens the schema error tree into one entry per offending field
func (v *Validator) fieldErrors(doc any, err *jsonschema.ValidationError) []FieldError {
	type located struct {
		segments []string
		FieldError
	}

	var found []located
	add := func(segments []string, reason string) {
		found = append(found, located{
			segments:   segments,
			FieldError: FieldError{Field: fieldPath(segments), Reason: reason},
		})
	}

	for _, leaf := range leaves(err) {
		keyword := keywordOf(leaf.AbsoluteKeywordLocation)
		segments := pointerSegments(leaf.InstanceLocation)

		if strings.HasSuffix(keyword, "/required") {
			for _, m := range quotedName.FindAllStringSubmatch(leaf.Message, -1) {
				add(append(slices.Clone(segments), m[1]), "this field is required")
			}
			continue
		}
		add(segments, v.reason(keyword, lookup(doc, segments)))
	}

	slices.SortStableFunc(found, func(a, b located) int {
		return compareSegments(a.segments, b.segments)
	})

	fields := make([]FieldError, 0, len(found))
	for _, f := range found {
		if len(fields) > 0 && fields[len(fields)-1].Field == f.Field {
			continue
		}
		fields = append(fields, f.FieldError)
	}
	return fields
}

// reason turns a failed schema keyword into a message for the offending instance
func (v *Validator) reason(keyword string, instance any) string {
	if instance == nil {
		return "may not be null"
	}

	switch keyword {
	case "/type", "/properties/device/type", "/properties/data/items/type":
		return "must be an object"
	case "/properties/data/type":
		return "must be a list"
	case "/$defs/integer/type":
		return "must be an integer"
	case "/$defs/integer/minimum":
		return "must be a non-negative integer"
	case "/$defs/integer/maximum":
		return fmt.Sprintf("must be at most %d", maxInteger)
	case "/$defs/integer/pattern":
		return integerStringReason(fmt.Sprint(instance))
	case "/$defs/text/type":
		return "must be a string"
	case "/$defs/text/maxLength":
		return fmt.Sprintf("ensure this field has no more than %d characters (has %d)",
			v.maxStringLength, utf8.RuneCountInString(fmt.Sprint(instance)))
	case "/$defs/text/pattern":
		if strings.ContainsRune(fmt.Sprint(instance), 0) {
			return "may not contain NUL characters"
		}
		return "may not be blank"
	}
	return "is invalid"
}

func integerStringReason(s string) string {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n < 0 {
		return "must be a non-negative integer"
	}
	if s != "" && strings.Trim(s, "0123456789") == "" {
		return fmt.Sprintf("must be at most %d", maxInteger)
	}
	return "must be an integer"
}

func leaves(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		out = append(out, leaves(cause)...)
	}
	return out
}

// keywordOf returns the schema-relative pointer of a keyword, e.g. "/$defs/integer/type"
func keywordOf(absoluteLocation string) string {
	if i := strings.LastIndexByte(absoluteLocation, '#'); i >= 0 {
		return absoluteLocation[i+1:]
	}
	return absoluteLocation
}

func pointerSegments(pointer string) []string {
	if pointer == "" || pointer == "/" {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, s := range segments {
		segments[i] = strings.NewReplacer("~1", "/", "~0", "~").Replace(s)
	}
	return segments
}

// fieldPath renders instance segments as device.identnr or data[0].tariff
func fieldPath(segments []string) string {
	if len(segments) == 0 {
		return "body"
	}
	var b strings.Builder
	for i, s := range segments {
		if _, err := strconv.Atoi(s); err == nil {
			fmt.Fprintf(&b, "[%s]", s)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s)
	}
	return b.String()
}

func lookup(doc any, segments []string) any {
	cur := doc
	for _, s := range segments {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[s]
		case []any:
			i, err := strconv.Atoi(s)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func compareSegments(a, b []string) int {
	for i := range min(len(a), len(b)) {
		if c := compareSegment(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareSegment(a, b string) int {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		return ai - bi
	}
	ar, aKnown := fieldRank[a]
	br, bKnown := fieldRank[b]
	switch {
	case aKnown && bKnown && ar != br:
		return ar - br
	case aKnown != bKnown:
		if aKnown {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// wirePayload is the typed form of a payload that passed the schema
type wirePayload struct {
	Device struct {
		Identnr      integer `json:"identnr"`
		Type         integer `json:"type"`
		Status       integer `json:"status"`
		Version      integer `json:"version"`
		Accessnr     integer `json:"accessnr"`
		Manufacturer integer `json:"manufacturer"`
	} `json:"device"`
	Data []struct {
		Value     text    `json:"value"`
		Tariff    integer `json:"tariff"`
		Subunit   integer `json:"subunit"`
		Dimension text    `json:"dimension"`
		Storagenr integer `json:"storagenr"`
	} `json:"data"`
}

func (w wirePayload) payload() *Payload {
	p := &Payload{
		Device: DeviceData{
			Identnr:      int64(w.Device.Identnr),
			Type:         int64(w.Device.Type),
			Status:       int64(w.Device.Status),
			Version:      int64(w.Device.Version),
			Accessnr:     int64(w.Device.Accessnr),
			Manufacturer: int64(w.Device.Manufacturer),
		},
		Data: make([]ValueData, 0, len(w.Data)),
	}
	for _, item := range w.Data {
		p.Data = append(p.Data, ValueData{
			Value:     string(item.Value),
			Tariff:    int64(item.Tariff),
			Subunit:   int64(item.Subunit),
			Dimension: string(item.Dimension),
			Storagenr: int64(item.Storagenr),
		})
	}
	return p
}

// outOfRange catches numeric strings above maxInteger; the schema bounds only JSON numbers
func outOfRange(p *Payload) []FieldError {
	var fields []FieldError
	check := func(path string, n int64) {
		if n > maxInteger {
			fields = append(fields, FieldError{Field: path, Reason: fmt.Sprintf("must be at most %d", maxInteger)})
		}
	}

	check("device.identnr", p.Device.Identnr)
	check("device.type", p.Device.Type)
	check("device.status", p.Device.Status)
	check("device.version", p.Device.Version)
	check("device.accessnr", p.Device.Accessnr)
	check("device.manufacturer", p.Device.Manufacturer)
	for i, v := range p.Data {
		path := fmt.Sprintf("data[%d]", i)
		check(path+".tariff", v.Tariff)
		check(path+".subunit", v.Subunit)
		check(path+".storagenr", v.Storagenr)
	}
	return fields
}

// integer accepts a JSON integer or a numeric string
type integer int64

func (n *integer) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = integer(i)
		return nil
	}
	// integral forms such as 1.0 or 1e3
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = integer(f)
	return nil
}

// text accepts a JSON string; numbers are kept verbatim
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	*t = text(b)
	return nil
}
