package workflow

import (
	"strings"
	"testing"
)

func TestConditionEval(t *testing.T) {
	output := map[string]any{
		"status":  "ok",
		"retries": float64(2),
		"passed":  true,
		"empty":   "",
		"result":  map[string]any{"score": float64(8.5), "tag": "beta"},
		"items":   []any{"a"},
	}
	tests := []struct {
		cond string
		want bool
	}{
		{"", true},
		{`status == "ok"`, true},
		{`status == 'ok'`, true},
		{`status != "ok"`, false},
		{"retries < 3", true},
		{"retries >= 3", false},
		{"passed", true},
		{"empty", false},
		{"missing", false},
		{"!missing", true},
		{"result.score > 8", true},
		{"output.result.score > 8", true},
		{`result.tag == "beta" && retries < 3`, true},
		{`result.tag == "gamma" || passed`, true},
		{`!(retries > 1 && status == "ok")`, false},
		{"items", true},
		{`result.tag < "gamma"`, true},
		{"retries == 2", true},
		{`retries == "2"`, false},
		{"null == missing", true},
		{"-1 < retries", true},
	}
	for _, tt := range tests {
		expr, err := CompileCondition(tt.cond)
		if err != nil {
			t.Errorf("CompileCondition(%q) error: %v", tt.cond, err)
			continue
		}
		if got := expr.Eval(output); got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestConditionEvalIsTotal(t *testing.T) {
	// Type confusion never panics or errors, it just yields false.
	expr, err := CompileCondition(`result > 3 && items == "a" && status.deeper`)
	if err != nil {
		t.Fatal(err)
	}
	if expr.Eval(map[string]any{"result": map[string]any{}, "items": []any{}, "status": "ok"}) {
		t.Fatal("mismatched types must evaluate false")
	}
	if expr.Eval(nil) {
		t.Fatal("nil output must evaluate false")
	}
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	bad := []string{
		"status =",
		"status = \"ok\"",
		"(status",
		"&& status",
		"status == ",
		`"unterminated`,
		"a ? b : c",
		strings.Repeat("a && ", 300) + "a" + strings.Repeat("x", maxExprLen),
	}
	for _, cond := range bad {
		if _, err := CompileCondition(cond); err == nil {
			t.Errorf("CompileCondition(%q) should fail", cond)
		}
	}
}
