package attrbag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBagDecode(t *testing.T) {
	bag := Bag{
		"copies":    Integer(3),
		"job-name":  Str("quarterly-report"),
		"sides":     Enum("two-sided-long-edge"),
		"fit-to-page": Boolean(true),
	}

	var dst struct {
		Copies    int    `attr:"copies"`
		JobName   string `attr:"job-name"`
		Sides     string `attr:"sides"`
		FitToPage bool   `attr:"fit-to-page"`
	}
	require.NoError(t, bag.Decode(&dst))
	assert.Equal(t, 3, dst.Copies)
	assert.Equal(t, "quarterly-report", dst.JobName)
	assert.Equal(t, "two-sided-long-edge", dst.Sides)
	assert.True(t, dst.FitToPage)
}

func TestUnsupportedGroup(t *testing.T) {
	bag := Bag{"copies": Integer(1)}
	got := bag.UnsupportedGroup([]string{"copies", "media", "sides"})
	assert.Equal(t, []string{"media", "sides"}, got)
}

func TestFromNative(t *testing.T) {
	bag := FromNative(map[string]interface{}{
		"copies":    float64(3),
		"job-name":  "quarterly-report",
		"fit-to-page": true,
		"finishings": []interface{}{"staple", "punch"},
	})
	assert.Equal(t, Integer(3), bag["copies"])
	assert.Equal(t, Str("quarterly-report"), bag["job-name"])
	assert.Equal(t, Boolean(true), bag["fit-to-page"])
	assert.Equal(t, Set(Str("staple"), Str("punch")), bag["finishings"])
}

func TestValueStringing(t *testing.T) {
	assert.Equal(t, "600x1200dpi", Res(600, 1200, "dpi").String())
	assert.Equal(t, "1-10", Range(1, 10).String())
	assert.Panics(t, func() { Integer(1).Bool() })
}
