package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestStaticSource_ReturnsConfiguredKey(t *testing.T) {
	src := NewStaticSource("sk-test")
	token, err := src.Token(context.Background())
	if err != nil || token != "sk-test" {
		t.Fatalf("token = %q, err = %v", token, err)
	}
}

func TestStaticSource_EmptyKeyFails(t *testing.T) {
	src := NewStaticSource("")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestEnvSource_ReadsFromEnv(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "from-env")
	v := viper.New()
	src := NewEnvSource(v, "TEST_GATEWAY_KEY")
	token, err := src.Token(context.Background())
	if err != nil || token != "from-env" {
		t.Fatalf("token = %q, err = %v", token, err)
	}
}

func TestRegistry_ResolveUnknownRefFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("missing"); err == nil {
		t.Fatal("expected error for unregistered ref")
	}
}

func TestRegistry_ResolveRegisteredRef(t *testing.T) {
	r := NewRegistry()
	r.Register("openai-main", NewStaticSource("sk-abc"))
	src, err := r.Resolve("openai-main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	token, _ := src.Token(context.Background())
	if token != "sk-abc" {
		t.Fatalf("token = %q", token)
	}
}

func TestCodeWhispererSource_ExpiredTokenRefused(t *testing.T) {
	src := NewCodeWhispererSource("tok", time.Now().Add(-time.Minute))
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestCodeWhispererSource_SetReplacesToken(t *testing.T) {
	src := NewCodeWhispererSource("", time.Time{})
	src.Set("fresh", time.Now().Add(time.Hour))
	token, err := src.Token(context.Background())
	if err != nil || token != "fresh" {
		t.Fatalf("token = %q, err = %v", token, err)
	}
}
