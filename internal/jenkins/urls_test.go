package jenkins

import "testing"

func TestJobURLPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"single job", "deploy", "job/deploy/", false},
		{"folder job", "teamA/sync", "job/teamA/job/sync/", false},
		{"surrounding slashes", "/teamA/sync/", "job/teamA/job/sync/", false},
		{"space escaped", "team A/push git", "job/team%20A/job/push%20git/", false},
		{"empty", "", "", true},
		{"traversal", "teamA/../admin", "", true},
		{"query injection", "sync?delay=0", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JobURLPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("JobURLPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("JobURLPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestLocator_Resolve(t *testing.T) {
	loc, err := NewLocator("https://ci.example.com", "https://ci.example.com/job/teamA/job/sync/17")
	if err != nil {
		t.Fatalf("NewLocator() error = %v", err)
	}

	tests := []struct {
		ref  string
		want string
	}{
		{"", ""},
		{"https://other.example.com/x", "https://other.example.com/x"},
		{"/job/teamA/job/sync/17/input/a/abort", "https://ci.example.com/job/teamA/job/sync/17/input/a/abort"},
		{"input/a/proceedEmpty", "https://ci.example.com/job/teamA/job/sync/17/input/a/proceedEmpty"},
		{"wfapi/inputSubmit?inputId=a", "https://ci.example.com/job/teamA/job/sync/17/wfapi/inputSubmit?inputId=a"},
	}

	for _, tt := range tests {
		if got := loc.Resolve(tt.ref); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestLocator_InputURLs(t *testing.T) {
	loc, err := NewLocator("https://ci.example.com/jenkins/", "/jenkins/job/x/3/")
	if err != nil {
		t.Fatalf("NewLocator() error = %v", err)
	}

	if got := loc.InputPage(); got != "https://ci.example.com/jenkins/job/x/3/input/" {
		t.Errorf("InputPage() = %q", got)
	}
	if got := loc.inputAction("Gate 1", "abort"); got != "https://ci.example.com/jenkins/job/x/3/input/Gate%201/abort" {
		t.Errorf("inputAction() = %q", got)
	}
	if got := loc.inputAction("", "abort"); got != "" {
		t.Errorf("inputAction() without id = %q, want empty", got)
	}
}
