package pagination

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "use_01h2xcejqtf2nbrexx3vqjhp41"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm9waXBl", "YWJjfHh5eg"} {
		_, err := Decode(s)
		assert.Error(t, err, s)
	}
}

func TestCursorBefore(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "m"}

	assert.True(t, c.Before(ts.Add(-time.Second), "z"))
	assert.False(t, c.Before(ts.Add(time.Second), "a"))
	assert.True(t, c.Before(ts, "a"))
	assert.False(t, c.Before(ts, "m"))

	var none *Cursor
	assert.True(t, none.Before(ts, "x"))
}

type item struct {
	at time.Time
	id string
}

func TestComputePage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{base, "c"}, {base, "b"}, {base, "a"}}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page, next, more := ComputePage(items, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	cur, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cur.ID)

	page, next, more = ComputePage(items, 5, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}

func TestFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctxFor := func(q string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/x?"+q, nil)
		return c
	}

	p, err := FromQuery(ctxFor(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, p.Limit)
	assert.Nil(t, p.After)

	p, err = FromQuery(ctxFor("limit=10000"))
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, p.Limit)

	_, err = FromQuery(ctxFor("limit=-1"))
	assert.Error(t, err)

	_, err = FromQuery(ctxFor("cursor=%21%21"))
	assert.Error(t, err)
}
