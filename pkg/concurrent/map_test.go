package concurrent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap_LoadOrStoreConcurrent(t *testing.T) {
	var m Map[string, int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.LoadOrStore("k", i)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), m.Len())
	_, ok := m.Load("k")
	assert.True(t, ok)

	m.LoadOrStore("j", 1)
	assert.ElementsMatch(t, []string{"k", "j"}, m.Keys())

	m.Delete("k")
	m.Delete("k")
	assert.Equal(t, int64(1), m.Len())
}
