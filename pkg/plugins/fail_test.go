package plugins

import (
	"context"
	"testing"

	"github.com/openfroyo/loom/pkg/engine"
)

func TestFail(t *testing.T) {
	p := NewFail()

	tc := engine.NewThunkContext(1, engine.NewAttributeGraph().Set("fail", "cannot reach {host}").Set("host", "db"))
	_, err := p.Call(context.Background(), tc)
	if err == nil || err.Error() != "cannot reach db" {
		t.Errorf("expected interpolated failure, got %v", err)
	}

	if _, err := p.Call(context.Background(), engine.NewThunkContext(1, nil)); err == nil || err.Error() != "failed" {
		t.Errorf("expected default failure, got %v", err)
	}

	tc.State().Set("fixed", true)
	if _, err := p.Call(context.Background(), tc); err != nil {
		t.Errorf("expected fixed state to pass, got %v", err)
	}
}
