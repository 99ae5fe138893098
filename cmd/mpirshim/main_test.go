package main

import "testing"

func TestRunArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no launcher and no pid", []string{}, 2},
		{"conflicting run modes", []string{"-p", "-n", "mpirun", "./ring"}, 2},
		{"launcher combined with pid", []string{"--pid", "123", "mpirun", "./ring"}, 2},
		{"unknown flag", []string{"--bogus"}, 2},
		{"missing config file", []string{"--config", "/nonexistent/mpirshim.yaml", "mpirun", "./ring"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	if got := run([]string{"--version"}); got != 0 {
		t.Errorf("run(--version) = %d, want 0", got)
	}
}

func TestRunHelp(t *testing.T) {
	if got := run([]string{"--help"}); got != 0 {
		t.Errorf("run(--help) = %d, want 0", got)
	}
}
