package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronRunsJob(t *testing.T) {
	c, err := NewCron(nil, nil)
	require.NoError(t, err)

	var n atomic.Int32
	require.NoError(t, c.Every("tick", 10*time.Millisecond, func() { n.Add(1) }))
	c.Start()
	defer c.Shutdown()

	assert.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestCronRejectsBadInterval(t *testing.T) {
	c, err := NewCron(nil, nil)
	require.NoError(t, err)
	defer c.Shutdown()
	assert.Error(t, c.Every("bad", 0, func() {}))
}
