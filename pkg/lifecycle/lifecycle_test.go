package lifecycle

import "testing"

func TestDeployResultZeroValueIsUnverified(t *testing.T) {
	var r DeployResult
	if r.Verified {
		t.Error("zero-value DeployResult should not report verified")
	}
	if len(r.Failures) != 0 {
		t.Error("zero-value DeployResult should have no failures")
	}
}
