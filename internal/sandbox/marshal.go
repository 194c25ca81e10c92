package sandbox

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// TypeTagKey marks tagged records so the executor can rebuild them.
const TypeTagKey = "__langflow_type__"

// SecretString is a credential value. It prints masked but is unwrapped to
// its raw value when marshalled into the jail payload.
type SecretString string

func (s SecretString) String() string { return "**********" }

// Reveal returns the raw secret.
func (s SecretString) Reveal() string { return string(s) }

// TaggedRecord is a domain record the executor reconstructs by type tag.
type TaggedRecord interface {
	TypeTag() string
	Fields() map[string]any
}

// Unwrapper is a value holder whose core value is what crosses the boundary.
type Unwrapper interface {
	UnwrapValue() any
}

// Data is a generic record with a designated text field.
type Data struct {
	Data         map[string]any
	TextKey      string
	DefaultValue string
}

func (d Data) TypeTag() string { return "Data" }

func (d Data) Fields() map[string]any {
	textKey := d.TextKey
	if textKey == "" {
		textKey = "text"
	}
	return map[string]any{
		"data":          d.Data,
		"text_key":      textKey,
		"default_value": d.DefaultValue,
	}
}

// Message is a chat message.
type Message struct {
	Text       string
	Sender     string
	SenderName string
	SessionID  string
	Files      []string
	Timestamp  time.Time
}

func (m Message) TypeTag() string { return "Message" }

func (m Message) Fields() map[string]any {
	f := map[string]any{
		"text":        m.Text,
		"sender":      m.Sender,
		"sender_name": m.SenderName,
		"session_id":  m.SessionID,
		"files":       m.Files,
	}
	if !m.Timestamp.IsZero() {
		f["timestamp"] = m.Timestamp
	}
	return f
}

// Adapter converts values of a type it recognizes. ok=false passes the
// value on to the next rule.
type Adapter func(v any) (out any, ok bool)

// Marshaller reduces arbitrary parameter values to JSON-safe primitives.
// Rules, in order: registered adapters, nil and primitives, secrets, tagged
// records, value holders, sequences, mappings, text marshalers, and finally
// the value's string form.
type Marshaller struct {
	adapters []Adapter
}

// NewMarshaller creates a Marshaller with optional custom adapters.
func NewMarshaller(adapters ...Adapter) *Marshaller {
	return &Marshaller{adapters: adapters}
}

// Register appends a custom adapter. Not safe to call concurrently with Value.
func (m *Marshaller) Register(a Adapter) {
	m.adapters = append(m.adapters, a)
}

// Params marshals a parameter map.
func (m *Marshaller) Params(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = m.Value(v)
	}
	return out
}

// Value marshals one value.
func (m *Marshaller) Value(v any) any {
	return m.value(v, 0)
}

// maxDepth stops runaway recursion on self-referencing holders.
const maxDepth = 32

func (m *Marshaller) value(v any, depth int) any {
	if depth > maxDepth {
		return fmt.Sprint(v)
	}
	for _, a := range m.adapters {
		if out, ok := a(v); ok {
			return out
		}
	}

	switch x := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x
	case float32:
		return finite(float64(x))
	case float64:
		return finite(x)
	case SecretString:
		return x.Reveal()
	case *SecretString:
		if x == nil {
			return nil
		}
		return x.Reveal()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case TaggedRecord:
		fields := x.Fields()
		out := make(map[string]any, len(fields)+1)
		for k, fv := range fields {
			out[k] = m.value(fv, depth+1)
		}
		out[TypeTagKey] = x.TypeTag()
		return out
	case Unwrapper:
		return m.value(x.UnwrapValue(), depth+1)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = m.value(item, depth+1)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = m.value(item, depth+1)
		}
		return out
	case encoding.TextMarshaler:
		if b, err := x.MarshalText(); err == nil {
			return string(b)
		}
	}

	return m.container(v, depth)
}

// container handles typed slices and string-keyed maps. Structs and other
// kinds fall back to their string form.
func (m *Marshaller) container(v any, depth int) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return m.value(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = m.value(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			out[k.String()] = m.value(rv.MapIndex(k).Interface(), depth+1)
		}
		return out
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	}
	return fmt.Sprint(v)
}

// finite keeps NaN and infinities out of the JSON payload.
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return f
}
