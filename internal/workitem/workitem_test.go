package workitem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllResultsPresent(t *testing.T) {
	w := &WorkItem{}
	assert.False(t, w.AllResultsPresent())

	w.Results[0] = &Result{StatusCode: 200}
	w.Results[1] = &Result{StatusCode: 200}
	assert.False(t, w.AllResultsPresent())

	w.Results[2] = &Result{StatusCode: 200}
	assert.True(t, w.AllResultsPresent())
}

func TestStatusConstants(t *testing.T) {
	assert.Equal(t, Status("pending"), Pending)
	assert.Equal(t, Status("processing"), Processing)
	assert.Equal(t, Status("done"), Done)
	assert.Equal(t, Status("failed"), Failed)
}
