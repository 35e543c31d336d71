package redaction

import "testing"

func TestRedactString(t *testing.T) {
	r := NewRedactor(DefaultConfig())

	got := r.RedactString(`secret_key="abc123xyz"`)
	if got == `secret_key="abc123xyz"` {
		t.Errorf("RedactString() did not redact a secret_key value: %q", got)
	}
}

func TestRedactString_Disabled(t *testing.T) {
	r := NewRedactor(SecretConfig{Enabled: false})

	input := `token="abc123xyz"`
	if got := r.RedactString(input); got != input {
		t.Errorf("RedactString() with Enabled=false = %q, want unchanged %q", got, input)
	}
}

func TestRedactMap_BlockedFieldName(t *testing.T) {
	r := NewRedactor(DefaultConfig())

	out := r.RedactMap(map[string]interface{}{
		"aes_key":    "deadbeef",
		"server_url": "https://oast.site",
	})

	if out["aes_key"] != DefaultConfig().RedactionText {
		t.Errorf("RedactMap()[\"aes_key\"] = %v, want redacted", out["aes_key"])
	}
	if out["server_url"] != "https://oast.site" {
		t.Errorf("RedactMap()[\"server_url\"] = %v, want unchanged", out["server_url"])
	}
}

func TestRedactMap_NestedAndSlice(t *testing.T) {
	r := NewRedactor(DefaultConfig())

	out := r.RedactMap(map[string]interface{}{
		"nested": map[string]interface{}{"secret_key": "s3cr3t"},
		"items":  []interface{}{map[string]interface{}{"token": "t0k3n"}},
	})

	nested := out["nested"].(map[string]interface{})
	if nested["secret_key"] != DefaultConfig().RedactionText {
		t.Errorf("nested secret_key not redacted: %v", nested["secret_key"])
	}
	items := out["items"].([]interface{})
	item := items[0].(map[string]interface{})
	if item["token"] != DefaultConfig().RedactionText {
		t.Errorf("nested slice token not redacted: %v", item["token"])
	}
}

func TestRedactAll(t *testing.T) {
	got := RedactAll(`password="hunter2"`)
	if got == `password="hunter2"` {
		t.Error("RedactAll() did not redact a password value")
	}
}
