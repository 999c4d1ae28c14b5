package runtime

import (
	"testing"

	"github.com/cuemby/durawasm/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestContainerIDIsDeterministicPerWorker(t *testing.T) {
	id := types.WorkerId{ComponentId: "c1", Name: "w1"}

	assert.Equal(t, containerID(id), containerID(id))
	assert.NotEqual(t, containerID(id), containerID(types.WorkerId{ComponentId: "c1", Name: "w2"}))
}
