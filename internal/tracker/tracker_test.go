package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"module/internal/registry"
)

const ifaceI = "com.example.I"

func TestTracker_SeedsFromExistingRegistrations(t *testing.T) {
	r := registry.New()
	_, err := r.Register(1, []string{ifaceI}, "svc1", nil)
	require.NoError(t, err)

	var added []interface{}
	tr := New(r, 0, ifaceI, nil, Hooks{
		Adding: func(ref *registry.ServiceReference) interface{} {
			return ref.Properties()[registry.PropServiceID]
		},
		Removed: func(ref *registry.ServiceReference, tracked interface{}) {
			added = append(added, tracked) // reused slice to observe removal too
		},
	})
	tr.Open()
	defer tr.Close()

	svc, ok := tr.GetService()
	assert.True(t, ok)
	assert.NotNil(t, svc)
}

func TestTracker_AddingModifiedRemoved(t *testing.T) {
	r := registry.New()

	var events []string
	tr := New(r, 0, ifaceI, nil, Hooks{
		Adding: func(ref *registry.ServiceReference) interface{} {
			events = append(events, "adding")
			return "tracked"
		},
		Modified: func(ref *registry.ServiceReference, tracked interface{}) {
			events = append(events, "modified")
		},
		Removed: func(ref *registry.ServiceReference, tracked interface{}) {
			events = append(events, "removed")
		},
	})
	tr.Open()
	defer tr.Close()

	reg, err := r.Register(1, []string{ifaceI}, "svc1", nil)
	require.NoError(t, err)
	require.NoError(t, r.UpdateProperties(reg, map[string]interface{}{"k": "v"}))
	require.NoError(t, r.Unregister(reg))

	assert.Equal(t, []string{"adding", "modified", "removed"}, events)
}

func TestTracker_WaitForServiceTimesOut(t *testing.T) {
	r := registry.New()
	tr := New(r, 0, ifaceI, nil, Hooks{
		Adding: func(ref *registry.ServiceReference) interface{} { return "tracked" },
	})
	tr.Open()
	defer tr.Close()

	_, ok := tr.WaitForService(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestTracker_WaitForServiceWakesOnRegister(t *testing.T) {
	r := registry.New()
	tr := New(r, 0, ifaceI, nil, Hooks{
		Adding: func(ref *registry.ServiceReference) interface{} { return "tracked" },
	})
	tr.Open()
	defer tr.Close()

	done := make(chan bool, 1)
	go func() {
		_, ok := tr.WaitForService(time.Second)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := r.Register(1, []string{ifaceI}, "svc1", nil)
	require.NoError(t, err)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitForService did not wake up on registration")
	}
}
