package validate

import (
	"testing"

	"github.com/gin-gonic/gin/binding"
)

type sample struct {
	Priority string  `json:"priority" binding:"required,quadrant"`
	DueTime  *string `json:"dueTime" binding:"omitempty,hhmm"`
	Progress int     `json:"progress" binding:"min=0,max=100"`
}

func TestCustomTags(t *testing.T) {
	Register()
	Register() // 幂等

	good := "23:59"
	bad := "24:00"
	short := "9:00"

	cases := []struct {
		name  string
		in    sample
		valid bool
	}{
		{"valid", sample{Priority: "do_first", DueTime: &good}, true},
		{"nil time", sample{Priority: "eliminate"}, true},
		{"unknown quadrant", sample{Priority: "urgent"}, false},
		{"hour out of range", sample{Priority: "schedule", DueTime: &bad}, false},
		{"missing leading zero", sample{Priority: "schedule", DueTime: &short}, false},
		{"progress too high", sample{Priority: "delegate", Progress: 101}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := binding.Validator.ValidateStruct(tc.in)
			if (err == nil) != tc.valid {
				t.Fatalf("valid = %v, err = %v", tc.valid, err)
			}
			if err != nil && Message(err) == "" {
				t.Fatalf("empty message")
			}
		})
	}
}

func TestMessage(t *testing.T) {
	Register()
	err := binding.Validator.ValidateStruct(sample{Priority: "nope", Progress: -1})
	got := Message(err)
	want := "priority must be one of do_first, schedule, delegate, eliminate; progress must be at least 0"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}
