package events

import (
	"context"
	"testing"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ev := New(TypeOrderPlaced, "order-1", func(e *jx.Encoder) {
		e.Field("total", func(e *jx.Encoder) { e.Int64(194) })
	})

	assert.Equal(t, TypeOrderPlaced, ev.Type)
	assert.Equal(t, "order-1", ev.Key)
	assert.False(t, ev.Time.IsZero())

	var (
		gotType string
		total   int64
	)
	err := jx.DecodeBytes(ev.Payload).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "type":
			v, err := d.Str()
			gotType = v
			return err
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "total" {
					return d.Skip()
				}
				v, err := d.Int64()
				total = v
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, TypeOrderPlaced, gotType)
	assert.Equal(t, int64(194), total)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(context.Background(), New(TypePaymentRefunded, "p1", func(*jx.Encoder) {}))
}

func TestKafka_PingWithoutBrokers(t *testing.T) {
	k := NewKafka(nil, "kart.events")
	require.Error(t, k.Ping(context.Background()))
	require.NoError(t, k.Close())
}
