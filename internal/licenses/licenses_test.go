package licenses

import (
	"strings"
	"testing"
)

func TestList(t *testing.T) {
	licenses, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(licenses) == 0 {
		t.Fatal("no licenses embedded")
	}

	for i, lic := range licenses {
		if lic.Package == "" || lic.URL == "" || lic.Type == "" {
			t.Errorf("entry %d incomplete: %+v", i, lic)
		}
		if i > 0 && licenses[i-1].Package > lic.Package {
			t.Errorf("entries not sorted at %d: %q > %q", i, licenses[i-1].Package, lic.Package)
		}
	}
}

func TestCountMatchesList(t *testing.T) {
	licenses, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if Count() != len(licenses) {
		t.Errorf("Count() = %d, len(List()) = %d", Count(), len(licenses))
	}
}

func TestTypes(t *testing.T) {
	types := Types()
	if len(types) == 0 {
		t.Fatal("no license types")
	}
	total := 0
	for _, n := range types {
		total += n
	}
	if total != Count() {
		t.Errorf("type counts sum to %d, want %d", total, Count())
	}
}

func TestReport(t *testing.T) {
	report, err := Report()
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	for _, want := range []string{"github.com/spf13/cobra", "Apache-2.0", "MIT"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q", want)
		}
	}
}
