package security

import (
	"reflect"
	"testing"
)

func TestValidateJobPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		// Valid cases
		{"single job", "sync", false},
		{"folder and job", "teamA/sync", false},
		{"nested folders", "org/teamA/n8n-dev-to-git", false},
		{"leading and trailing slash", "/teamA/sync/", false},
		{"with dots", "release.v1", false},
		{"with spaces", "Deploy From Git", false},

		// Invalid cases
		{"empty", "", true},
		{"only slashes", "///", true},
		{"empty segment", "teamA//sync", true},
		{"parent traversal", "teamA/../admin", true},
		{"current dir", "./sync", true},
		{"query injection", "sync?delay=0", true},
		{"fragment", "sync#x", true},
		{"percent", "sync%2F..", true},
		{"newline", "sync\nx", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJobPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEntityID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"numeric", "42", false},
		{"n8n style", "aB3dE5fG7hJ9kL1m", false},
		{"with dash", "cred-1", false},
		{"empty", "", true},
		{"starts with dash", "-1", true},
		{"comma", "1,2", true},
		{"slash", "1/2", true},
		{"space", "1 2", true},
		{"sql", "1' OR '1'='1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntityID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateParamName(t *testing.T) {
	for _, name := range []string{"WORKFLOW_ID", "CRED_IDS", "_x", "a1"} {
		if err := ValidateParamName(name); err != nil {
			t.Errorf("ValidateParamName(%q) unexpected error: %v", name, err)
		}
	}
	for _, name := range []string{"", "1A", "A-B", "A B", "A=B"} {
		if err := ValidateParamName(name); err == nil {
			t.Errorf("ValidateParamName(%q) expected error", name)
		}
	}
}

func TestValidateBuildURL(t *testing.T) {
	base := "https://jenkins.example.com/"
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"same host", "https://jenkins.example.com/job/sync/17/", false},
		{"same host different case", "https://JENKINS.example.com/job/sync/17/", false},
		{"other host", "https://evil.example.com/job/sync/17/", true},
		{"host suffix trick", "https://jenkins.example.com.evil.com/job/x/1/", true},
		{"port differs", "https://jenkins.example.com:8443/job/x/1/", true},
		{"file scheme", "file:///etc/passwd", true},
		{"relative", "/job/sync/17/", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBuildURL(tt.url, base)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBuildURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestParseIDList(t *testing.T) {
	got, err := ParseIDList(" 3, 1,,3 ,2 ")
	if err != nil {
		t.Fatalf("ParseIDList() unexpected error: %v", err)
	}
	want := []string{"3", "1", "2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseIDList() = %v, want %v", got, want)
	}

	if _, err := ParseIDList("1,two words"); err == nil {
		t.Error("Expected invalid id to be rejected")
	}

	empty, err := ParseIDList("")
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty list, got %v (err %v)", empty, err)
	}
}

func BenchmarkValidateJobPath(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ValidateJobPath("org/teamA/n8n-deploy-from-git")
	}
}
