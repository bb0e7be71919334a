package stackwalk

import "testing"

func sampleLeaf() []uintptr {
	return Capture(1, 10)
}

func TestWalkProducesInnermostFirst(t *testing.T) {
	pcs := sampleLeaf()
	frames := Walk(pcs, nil, 10)
	if len(frames) == 0 {
		t.Fatal("expected at least one frame")
	}
	if frames[0].MethodName != "sampleLeaf" {
		t.Fatalf("expected innermost frame to be sampleLeaf, got %q", frames[0].MethodName)
	}
	if frames[0].FileName == "" {
		t.Fatalf("expected a file name for a non-native frame")
	}
}

func TestWalkAttachesArgsToInnermostFrame(t *testing.T) {
	pcs := sampleLeaf()
	args := []KV{{Name: "userID", Value: "u-1"}, {Value: 42}}
	frames := Walk(pcs, args, 5)

	vars := frames[0].LocalVariables
	if vars == nil {
		t.Fatal("expected local variables on innermost frame")
	}
	if vars["userID"].Value != "u-1" {
		t.Fatalf("expected userID=u-1, got %+v", vars["userID"])
	}
	if _, ok := vars["arg1"]; !ok {
		t.Fatalf("expected positional arg1 for the unnamed KV, got %+v", vars)
	}
}

func TestWalkSkippingBreakpointFramesDropsTwo(t *testing.T) {
	full := Walk(sampleLeaf(), nil, 10)
	trimmed := WalkSkippingBreakpointFrames(sampleLeaf(), nil, 10)
	if len(trimmed) != len(full)-2 {
		t.Fatalf("expected trimmed walk to drop exactly 2 frames: full=%d trimmed=%d", len(full), len(trimmed))
	}
}

func TestIsNativeForRuntimeFrames(t *testing.T) {
	if !isNative("") {
		t.Fatal("empty file path must be native")
	}
	if isNative("/home/user/project/main.go") {
		t.Fatal("a regular project file must not be native")
	}
}
