package paths

import "testing"

func TestShadowBranchName(t *testing.T) {
	tests := []struct {
		name   string
		branch string
		want   string
	}{
		{
			name:   "simple branch",
			branch: "main",
			want:   "wip/main",
		},
		{
			name:   "branch with slash",
			branch: "feature/auth",
			want:   "wip/feature/auth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShadowBranchName(tt.branch); got != tt.want {
				t.Errorf("ShadowBranchName(%q) = %q, want %q", tt.branch, got, tt.want)
			}
		})
	}
}

func TestRealBranchName_RoundTrip(t *testing.T) {
	branch := "feature/auth"
	if got := RealBranchName(ShadowBranchName(branch)); got != branch {
		t.Errorf("RealBranchName(ShadowBranchName(%q)) = %q", branch, got)
	}

	// Non-shadow names pass through
	if got := RealBranchName("main"); got != "main" {
		t.Errorf("RealBranchName(\"main\") = %q, want \"main\"", got)
	}
}

func TestIsShadowBranch(t *testing.T) {
	if !IsShadowBranch("wip/main") {
		t.Error("IsShadowBranch(\"wip/main\") = false, want true")
	}
	if IsShadowBranch("main") {
		t.Error("IsShadowBranch(\"main\") = true, want false")
	}
}

func TestIsInfrastructurePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{".git", true},
		{".git/HEAD", true},
		{".wipd", true},
		{".wipd/logs/run.log", true},
		{"src/main.go", false},
		{".gitignore", false},
		{".wipd-backup", false},
	}

	for _, tt := range tests {
		if got := IsInfrastructurePath(tt.path); got != tt.want {
			t.Errorf("IsInfrastructurePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestValidateRunID(t *testing.T) {
	if err := ValidateRunID("2026-08-30-abc123"); err != nil {
		t.Errorf("ValidateRunID valid id: unexpected error %v", err)
	}
	if err := ValidateRunID(""); err == nil {
		t.Error("ValidateRunID(\"\") = nil, want error")
	}
	if err := ValidateRunID("../escape"); err == nil {
		t.Error("ValidateRunID with path separator = nil, want error")
	}
}
