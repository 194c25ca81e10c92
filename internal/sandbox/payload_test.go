package sandbox

import (
	"reflect"
	"testing"
)

func TestParseResultPayload(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		ok      bool
		success bool
	}{
		{"empty", "", false, false},
		{"no json", "hello\nworld", false, false},
		{"single", `{"success": true}`, true, true},
		{"diagnostics before", "debug: x\n" + `{"success": true, "result": 1}` + "\n", true, true},
		{"last object wins", `{"success": true}` + "\n" + `{"success": false}`, true, false},
		{"broken last line falls back", `{"success": true}` + "\n{not json", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseResultPayload(tt.stdout)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.Success != tt.success {
				t.Errorf("success = %v, want %v", got.Success, tt.success)
			}
		})
	}
}

func TestResultPayload_Value(t *testing.T) {
	plain, _ := parseResultPayload(`{"success": true, "result": [1, "a"]}`)
	if got, want := plain.value(), []any{float64(1), "a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("value = %#v, want %#v", got, want)
	}

	tagged, _ := parseResultPayload(`{"success": true, "result": "x", "output_name": "text"}`)
	want := map[string]any{"_result": "x", "_output_name": "text", "_method_called": nil}
	if got := tagged.value(); !reflect.DeepEqual(got, want) {
		t.Errorf("value = %#v, want %#v", got, want)
	}

	empty, _ := parseResultPayload(`{"success": true}`)
	if got := empty.value(); got != nil {
		t.Errorf("value = %#v, want nil", got)
	}
}
