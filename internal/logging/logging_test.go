package logging

import "testing"

func TestConfigureTogglesDebug(t *testing.T) {
	Configure(false, nil)
	if DebugEnabled() {
		t.Fatal("expected debug disabled")
	}
	Configure(true, nil)
	if !DebugEnabled() {
		t.Fatal("expected debug enabled")
	}
	Configure(false, nil)
}

func TestWithErrorDoesNotPanicOnNilError(t *testing.T) {
	Configure(false, nil)
	WithError(nil).Warn("no error attached")
	WithError(errTest{}).Error("has error attached")
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
