package session

import "testing"

func TestContentFingerprintIsDeterministic(t *testing.T) {
	codeSpace := mustCodeSpaceID(t, "demo")
	content := Content{Code: "a", Transpiled: "b", HTML: "c", CSS: "d"}

	first := ContentFingerprint(codeSpace, content)
	second := ContentFingerprint(codeSpace, content)
	if first != second {
		t.Fatalf("expected identical fingerprints, got %s and %s", first, second)
	}
	if len(first) != 16 {
		t.Fatalf("expected 16 hex characters, got %q", first)
	}
}

func TestContentFingerprintChangesPerField(t *testing.T) {
	codeSpace := mustCodeSpaceID(t, "demo")
	base := Content{Code: "a", Transpiled: "b", HTML: "c", CSS: "d"}
	baseline := ContentFingerprint(codeSpace, base)

	variants := map[string]Content{
		"code":       {Code: "changed", Transpiled: "b", HTML: "c", CSS: "d"},
		"transpiled": {Code: "a", Transpiled: "changed", HTML: "c", CSS: "d"},
		"html":       {Code: "a", Transpiled: "b", HTML: "changed", CSS: "d"},
		"css":        {Code: "a", Transpiled: "b", HTML: "c", CSS: "changed"},
	}
	for field, variant := range variants {
		if ContentFingerprint(codeSpace, variant) == baseline {
			t.Fatalf("changing %s did not change the fingerprint", field)
		}
	}
}

func TestContentFingerprintDistinguishesFieldRoles(t *testing.T) {
	codeSpace := mustCodeSpaceID(t, "demo")
	swapped := ContentFingerprint(codeSpace, Content{Code: "x", HTML: "y"})
	original := ContentFingerprint(codeSpace, Content{Code: "y", HTML: "x"})
	if swapped == original {
		t.Fatalf("identical content in different roles produced the same fingerprint")
	}
}

func TestContentFingerprintNormalizesEmptyFields(t *testing.T) {
	codeSpace := mustCodeSpaceID(t, "demo")
	// The sentinel string and a genuinely empty field must hash the same.
	explicit := ContentFingerprint(codeSpace, Content{Code: ""})
	sentinel := ContentFingerprint(codeSpace, Content{Code: emptyFieldSentinel})
	if explicit != sentinel {
		t.Fatalf("empty field and sentinel hashed differently: %s vs %s", explicit, sentinel)
	}
}

func TestContentFingerprintDependsOnCodeSpace(t *testing.T) {
	content := Content{Code: "a"}
	first := ContentFingerprint(mustCodeSpaceID(t, "one"), content)
	second := ContentFingerprint(mustCodeSpaceID(t, "two"), content)
	if first == second {
		t.Fatalf("different code spaces produced the same fingerprint")
	}
}
