package grid

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/gridctl/internal/config"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestExpandGridOrderAndNames(t *testing.T) {
	specs, err := Expand(config.GridSpec{Params: map[string][]any{
		"lr":     {0.1, 0.01},
		"epochs": {1, 2},
	}})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []string{
		"exp_epochs_1_lr_0.1",
		"exp_epochs_1_lr_0.01",
		"exp_epochs_2_lr_0.1",
		"exp_epochs_2_lr_0.01",
	}
	if len(specs) != len(want) {
		t.Fatalf("unexpected spec count: %d", len(specs))
	}
	for i, spec := range specs {
		if spec.Name != want[i] {
			t.Fatalf("spec[%d]: want %q got %q", i, want[i], spec.Name)
		}
	}
	if specs[1].Params["lr"] != "0.01" || specs[1].Params["epochs"] != "1" {
		t.Fatalf("unexpected params: %+v", specs[1].Params)
	}
	if got := specs[0].Keys(); !reflect.DeepEqual(got, []string{"epochs", "lr"}) {
		t.Fatalf("unexpected keys: %v", got)
	}
}

func TestExpandGridCollisionFails(t *testing.T) {
	_, err := Expand(config.GridSpec{Params: map[string][]any{
		"lr": {0.1, 0.10},
	}})
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestExpandGridEmptySequenceFails(t *testing.T) {
	_, err := Expand(config.GridSpec{Params: map[string][]any{
		"lr":     {0.1},
		"epochs": {},
	}})
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestExpandExplicitList(t *testing.T) {
	specs, err := Expand(config.ExplicitList{Items: []map[string]any{
		{"opt": "adam", "lr": 0.001},
		{"opt": "sgd", "lr": 0.1, "nesterov": true},
	}})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if specs[0].Name != "exp_lr_0.001_opt_adam" {
		t.Fatalf("unexpected name: %q", specs[0].Name)
	}
	if specs[1].Name != "exp_lr_0.1_nesterov_true_opt_sgd" {
		t.Fatalf("unexpected name: %q", specs[1].Name)
	}
}

func TestExpandExplicitListDuplicateFails(t *testing.T) {
	_, err := Expand(config.ExplicitList{Items: []map[string]any{
		{"lr": 0.1},
		{"lr": 0.1},
	}})
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{0.1, "0.1"},
		{1.0, "1"},
		{1e-5, "1e-05"},
		{3, "3"},
		{int64(-2), "-2"},
		{true, "true"},
		{"adam", "adam"},
	}
	for _, c := range cases {
		got, err := FormatValue(c.in)
		if err != nil {
			t.Fatalf("format %v: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("format %v: want %q got %q", c.in, c.want, got)
		}
	}
	if _, err := FormatValue([]any{1}); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig for non scalar, got %v", err)
	}
}

func TestNameSanitizesValues(t *testing.T) {
	got := Name(map[string]string{"data": "a/b c"})
	if got != "exp_data_a-b-c" {
		t.Fatalf("unexpected name: %q", got)
	}
	if got := Name(map[string]string{"tag": ""}); got != "exp_tag_none" {
		t.Fatalf("unexpected empty value name: %q", got)
	}
}

func TestExpandGridProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genValues := gen.SliceOfN(3, gen.IntRange(0, 1000)).
		Map(func(vals []int) []any {
			seen := make(map[int]bool)
			out := make([]any, 0, len(vals))
			for _, v := range vals {
				if seen[v] {
					continue
				}
				seen[v] = true
				out = append(out, v)
			}
			return out
		})

	genGrid := gopter.CombineGens(genValues, genValues, genValues).
		Map(func(vals []interface{}) config.GridSpec {
			return config.GridSpec{Params: map[string][]any{
				"a": vals[0].([]any),
				"b": vals[1].([]any),
				"c": vals[2].([]any),
			}}
		})

	properties.Property("grid size is the product of sequence lengths", prop.ForAll(
		func(g config.GridSpec) bool {
			specs, err := Expand(g)
			if err != nil {
				return false
			}
			want := 1
			for _, seq := range g.Params {
				want *= len(seq)
			}
			return len(specs) == want
		},
		genGrid,
	))

	properties.Property("names are pairwise distinct", prop.ForAll(
		func(g config.GridSpec) bool {
			specs, err := Expand(g)
			if err != nil {
				return false
			}
			seen := make(map[string]bool, len(specs))
			for _, s := range specs {
				if seen[s.Name] {
					return false
				}
				seen[s.Name] = true
			}
			return true
		},
		genGrid,
	))

	properties.Property("expansion is deterministic", prop.ForAll(
		func(g config.GridSpec) bool {
			first, err := Expand(g)
			if err != nil {
				return false
			}
			second, err := Expand(g)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(first, second)
		},
		genGrid,
	))

	properties.TestingRun(t)
}
