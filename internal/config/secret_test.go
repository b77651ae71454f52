package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSecretRedaction(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		want   string
	}{
		{
			name:   "non-empty secret",
			secret: Secret("client-secret-value"),
			want:   "***",
		},
		{
			name:   "empty secret",
			secret: Secret(""),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.secret.String(); got != tt.want {
				t.Errorf("Secret.String() = %v, want %v", got, tt.want)
			}

			formatted := fmt.Sprintf("value: %s", tt.secret)
			if formatted != "value: "+tt.want {
				t.Errorf("fmt.Sprintf = %v, want %v", formatted, "value: "+tt.want)
			}

			output := fmt.Sprintf("secret: %v", tt.secret)
			if tt.secret != "" && strings.Contains(output, string(tt.secret)) {
				t.Errorf("fmt.Sprintf leaked secret: %v", output)
			}
		})
	}
}

func TestSecretJSONMarshal(t *testing.T) {
	type clientCredentials struct {
		ClientID     string `json:"clientId"`
		ClientSecret Secret `json:"clientSecret"`
	}

	data, err := json.Marshal(clientCredentials{
		ClientID:     "spa",
		ClientSecret: Secret("client-secret-value"),
	})
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}

	expected := `{"clientId":"spa","clientSecret":"***"}`
	if string(data) != expected {
		t.Errorf("JSON = %s, want %s", data, expected)
	}
}

func TestSecretInConfig(t *testing.T) {
	cfg := Config{
		IssuerURI:    "https://auth.example.com/realms/acme",
		ClientID:     "spa",
		ClientSecret: Secret("client-secret-value"),
	}

	str := fmt.Sprintf("%+v", cfg)
	if strings.Contains(str, "client-secret-value") {
		t.Errorf("Config representation leaked client secret: %s", str)
	}
}
