package settings

import (
	"database/sql"
	"path/filepath"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestGetMissing(t *testing.T) {
	s := setupTestStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsertAndDelete(t *testing.T) {
	s := setupTestStore(t)

	if err := s.Set(NamespaceOpenRouter, KeyDefaultModel, "openai/gpt-4o"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Set(NamespaceOpenRouter, KeyDefaultModel, "anthropic/claude-3.5-haiku"); err != nil {
		t.Fatalf("Set() upsert error: %v", err)
	}
	val, _ := s.Get(NamespaceOpenRouter, KeyDefaultModel)
	if val != "anthropic/claude-3.5-haiku" {
		t.Errorf("Get() = %q after upsert", val)
	}

	if err := s.Delete(NamespaceOpenRouter, KeyDefaultModel); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if val, _ := s.Get(NamespaceOpenRouter, KeyDefaultModel); val != "" {
		t.Errorf("Get() after Delete = %q", val)
	}
	if err := s.Delete(NamespaceOpenRouter, "never-set"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestListIsolatesNamespaces(t *testing.T) {
	s := setupTestStore(t)
	s.Set("a", "k1", "v1")
	s.Set("a", "k2", "v2")
	s.Set("b", "k1", "other")

	got, err := s.List("a")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"k1": "v1", "k2": "v2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List(a) = %v, want %v", got, want)
	}

	empty, err := s.List("none")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("List(none) = %v, %v; want empty non-nil map", empty, err)
	}
}

func TestOpenRouter(t *testing.T) {
	s := setupTestStore(t)
	s.Set(NamespaceOpenRouter, KeyAPIKey, "  sk-or-admin ")
	s.Set(NamespaceOpenRouter, KeyModelOptions, `["openai/gpt-4o-mini", "deepseek/deepseek-chat"]`)

	or, err := s.OpenRouter()
	if err != nil {
		t.Fatal(err)
	}
	if or.APIKey != "sk-or-admin" {
		t.Errorf("APIKey = %q", or.APIKey)
	}
	if or.DefaultModel != "" {
		t.Errorf("DefaultModel = %q, want unset", or.DefaultModel)
	}
	if want := []string{"openai/gpt-4o-mini", "deepseek/deepseek-chat"}; !reflect.DeepEqual(or.ModelOptions, want) {
		t.Errorf("ModelOptions = %v, want %v", or.ModelOptions, want)
	}
}

func TestParseModelOptions(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{`["a/b", " ", "c/d"]`, []string{"a/b", "c/d"}},
		{"a/b, c/d\ne/f", []string{"a/b", "c/d", "e/f"}},
		{`[broken json, x/y`, []string{"broken json", "x/y"}},
	}
	for _, tt := range tests {
		if got := ParseModelOptions(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseModelOptions(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestOpen_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	s.Set("ns", "k", "v")
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if v, _ := s2.Get("ns", "k"); v != "v" {
		t.Errorf("value did not survive reopen: %q", v)
	}
}
