package model_test

import (
	"testing"

	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/stretchr/testify/assert"
)

func TestMessageDraft_WithHeaderAndMetadata(t *testing.T) {
	d := &model.MessageDraft{TenantID: "t1"}
	d.WithHeader("trace_id", "abc").WithMetadata("priority", "high")

	assert.Equal(t, "abc", d.Headers["trace_id"])
	assert.Equal(t, "high", d.Metadata["priority"])
}

func TestMessageUpdate_SparseFields(t *testing.T) {
	status := model.MessageStatusRecalled
	u := model.MessageUpdate{Status: &status}
	assert.Nil(t, u.Extra)
	assert.Equal(t, model.MessageStatusRecalled, *u.Status)
}
