package pocpoc

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribedTopics(tr *fakeTransport) []string {
	var out []string
	for _, f := range tr.frames(frame.SUBSCRIBE) {
		out = append(out, f.Header.Get(hdrDestination))
	}
	return out
}

func TestSubscriptionRegistry_QueuesUntilAttached(t *testing.T) {
	reg := NewSubscriptionRegistry(nil)
	h := &recorder{}
	reg.Subscribe("/chat/1", h)
	reg.Subscribe("/notifications/u1", h)
	assert.Zero(t, reg.LiveCount())

	tr := newFakeTransport(nil)
	require.NoError(t, reg.attach(tr))
	assert.Equal(t, []string{"/chat/1", "/notifications/u1"}, subscribedTopics(tr), "registration order")
	assert.Equal(t, 2, reg.LiveCount())

	reg.Subscribe("/chat/2", h)
	assert.Equal(t, []string{"/chat/1", "/notifications/u1", "/chat/2"}, subscribedTopics(tr))
}

func TestSubscriptionRegistry_ReplaysAfterReconnect(t *testing.T) {
	reg := NewSubscriptionRegistry(nil)
	h := &recorder{}
	reg.Subscribe("/chat/1", h)
	reg.Subscribe("/chat/2", h)

	first := newFakeTransport(nil)
	require.NoError(t, reg.attach(first))
	reg.detach()
	assert.Zero(t, reg.LiveCount())

	second := newFakeTransport(nil)
	require.NoError(t, reg.attach(second))
	assert.Equal(t, []string{"/chat/1", "/chat/2"}, subscribedTopics(second))
	assert.Equal(t, 2, reg.LiveCount())
}

func TestSubscriptionRegistry_CoalescesSameHandler(t *testing.T) {
	reg := NewSubscriptionRegistry(nil)
	tr := newFakeTransport(nil)
	require.NoError(t, reg.attach(tr))

	h := &recorder{}
	s1 := reg.Subscribe("/chat/42", h)
	s2 := reg.Subscribe("/chat/42", h)
	assert.Len(t, reg.Handlers("/chat/42"), 1, "same handler delivered once")
	assert.Len(t, tr.frames(frame.SUBSCRIBE), 1)

	s1.Unsubscribe()
	s1.Unsubscribe()
	assert.Len(t, reg.Handlers("/chat/42"), 1, "second mount still holds a reference")
	assert.Empty(t, tr.frames(frame.UNSUBSCRIBE))

	s2.Unsubscribe()
	assert.Empty(t, reg.Handlers("/chat/42"))
	assert.Len(t, tr.frames(frame.UNSUBSCRIBE), 1)
	assert.Zero(t, reg.LiveCount())
}

func TestSubscriptionRegistry_FuncHandlersAreDistinct(t *testing.T) {
	reg := NewSubscriptionRegistry(nil)
	fn := func(Event) {}
	reg.Subscribe("/chat/1", HandlerFunc(fn))
	reg.Subscribe("/chat/1", HandlerFunc(fn))
	assert.Len(t, reg.Handlers("/chat/1"), 2)
}

func TestSubscriptionRegistry_UnmountKeepsOtherHandler(t *testing.T) {
	reg := NewSubscriptionRegistry(nil)
	tr := newFakeTransport(nil)
	require.NoError(t, reg.attach(tr))
	router := NewMessageRouter(reg, nil)

	a, b := &recorder{}, &recorder{}
	subA := reg.Subscribe("/chat/42", a)
	reg.Subscribe("/chat/42", b)

	subA.Unsubscribe()
	assert.Empty(t, tr.frames(frame.UNSUBSCRIBE), "topic still has handlerB")

	router.Route(messageFrame("", "/chat/42", `{"id":"m1","senderId":"u2","content":"hi"}`))
	assert.Zero(t, a.len())
	assert.Equal(t, 1, b.len())
}

func TestSubscriptionRegistry_LiveCountProperty(t *testing.T) {
	topics := []string{"/chat/1", "/chat/2", "/chat/3", "/notifications/u1"}
	handlers := []Handler{&recorder{}, &recorder{}, &recorder{}}

	for seed := uint64(0); seed < 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7+1))
			reg := NewSubscriptionRegistry(nil)
			tr := newFakeTransport(nil)
			attached := false

			var open []*Subscription
			for step := 0; step < 200; step++ {
				switch op := rng.IntN(10); {
				case op < 5:
					topic := topics[rng.IntN(len(topics))]
					open = append(open, reg.Subscribe(topic, handlers[rng.IntN(len(handlers))]))
				case op < 8 && len(open) > 0:
					i := rng.IntN(len(open))
					open[i].Unsubscribe()
					if rng.IntN(2) == 0 {
						open = append(open[:i], open[i+1:]...)
					}
				case op == 8:
					if attached {
						reg.detach()
					} else {
						require.NoError(t, reg.attach(tr))
					}
					attached = !attached
				}

				withHandlers := 0
				for _, topic := range topics {
					if len(reg.Handlers(topic)) > 0 {
						withHandlers++
					}
				}
				if attached {
					require.Equal(t, withHandlers, reg.LiveCount(), "step %d", step)
				} else {
					require.Zero(t, reg.LiveCount())
				}
				require.Len(t, reg.Topics(), withHandlers)
			}
		})
	}
}

func TestSubscriptionRegistry_Reset(t *testing.T) {
	reg := NewSubscriptionRegistry(nil)
	tr := newFakeTransport(nil)
	require.NoError(t, reg.attach(tr))
	reg.Subscribe("/chat/1", &recorder{})
	reg.Subscribe("/chat/2", &recorder{})

	reg.Reset()
	assert.Empty(t, reg.Topics())
	assert.Len(t, tr.frames(frame.UNSUBSCRIBE), 2)
}
