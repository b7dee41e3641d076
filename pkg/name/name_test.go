package name

import (
	"strings"
	"testing"

	"github.com/containerd/errdefs"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		registry string
		repo     string
		ref      string
		isDigest bool
	}{
		{
			input:    "registry.example.com/foo/bar:v1",
			registry: "registry.example.com",
			repo:     "foo/bar",
			ref:      "v1",
		},
		{
			input:    "localhost:5000/test/image:latest",
			registry: "localhost:5000",
			repo:     "test/image",
			ref:      "latest",
		},
		{
			input:    "registry.example.com/foo/bar",
			registry: "registry.example.com",
			repo:     "foo/bar",
			ref:      "latest",
		},
		{
			input:    "ubuntu:22.04",
			registry: DefaultRegistry,
			repo:     "library/ubuntu",
			ref:      "22.04",
		},
		{
			input:    "registry.example.com/foo@sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4",
			registry: "registry.example.com",
			repo:     "foo",
			ref:      "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4",
			isDigest: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			n, err := Parse(tc.input)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.input, err)
			}
			if n.Registry() != tc.registry {
				t.Errorf("registry = %q, want %q", n.Registry(), tc.registry)
			}
			if n.Repository() != tc.repo {
				t.Errorf("repository = %q, want %q", n.Repository(), tc.repo)
			}
			if n.Reference() != tc.ref {
				t.Errorf("reference = %q, want %q", n.Reference(), tc.ref)
			}
			if n.IsDigest() != tc.isDigest {
				t.Errorf("IsDigest() = %v, want %v", n.IsDigest(), tc.isDigest)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{
		"bad name",
		"",
		"registry.example.com/UPPER/case:v1",
		"registry.example.com/foo@sha256:short",
	} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); !errdefs.IsInvalidArgument(err) {
				t.Fatalf("Parse(%q) = %v, want invalid argument error", input, err)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, input := range []string{
		"registry.example.com/foo/bar:v1",
		"localhost:5000/test/image:latest",
		"registry.example.com/foo@sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4",
	} {
		n, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%q): %v", input, err)
		}
		if n.String() != input {
			t.Errorf("String() = %q, want %q", n.String(), input)
		}
		again, err := Parse(n.String())
		if err != nil {
			t.Fatalf("reparse: %v", err)
		}
		if again != n {
			t.Errorf("round trip changed name: %v != %v", again, n)
		}
	}
}

func TestWithDigest(t *testing.T) {
	n, err := Parse("registry.example.com/foo/bar:v1")
	if err != nil {
		t.Fatal(err)
	}
	const d = "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"
	dn, err := n.WithDigest(d)
	if err != nil {
		t.Fatal(err)
	}
	if !dn.IsDigest() {
		t.Error("expected digest reference")
	}
	if got := dn.String(); got != "registry.example.com/foo/bar@"+d {
		t.Errorf("String() = %q", got)
	}
	if _, err := n.WithDigest("not-a-digest"); !errdefs.IsInvalidArgument(err) {
		t.Errorf("WithDigest(invalid) = %v, want invalid argument error", err)
	}
}

func TestWithTag(t *testing.T) {
	n, err := Parse("registry.example.com/foo/bar@sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4")
	if err != nil {
		t.Fatal(err)
	}
	tn, err := n.WithTag("v2")
	if err != nil {
		t.Fatal(err)
	}
	if tn.IsDigest() {
		t.Error("expected tag reference")
	}
	if got := tn.String(); got != "registry.example.com/foo/bar:v2" {
		t.Errorf("String() = %q", got)
	}
	// Strings merely containing a valid tag must still be rejected.
	for _, tag := range []string{"NOT OK", "v1 trailing", " v1", ""} {
		if _, err := n.WithTag(tag); !errdefs.IsInvalidArgument(err) {
			t.Errorf("WithTag(%q) = %v, want invalid argument error", tag, err)
		}
	}
}

func TestRandom(t *testing.T) {
	a, b := Random(), Random()
	if a == b {
		t.Error("two random names collided")
	}
	if a.Registry() != "localhost" {
		t.Errorf("registry = %q", a.Registry())
	}
	if _, err := Parse(a.String()); err != nil {
		t.Errorf("random name does not reparse: %v", err)
	}
}

func TestScope(t *testing.T) {
	n, err := Parse("registry.example.com/foo/bar:v1")
	if err != nil {
		t.Fatal(err)
	}
	if got := n.Scope("pull"); got != "repository:foo/bar:pull" {
		t.Errorf("Scope(pull) = %q", got)
	}
	if got := n.Scope("push,pull"); !strings.HasSuffix(got, ":push,pull") {
		t.Errorf("Scope(push,pull) = %q", got)
	}
}
