package session

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relayd/internal/backend/fake"
	"relayd/pkg/types"
)

// checkSequence verifies start, token*, terminal. When the request was
// canceled the terminal event may be missing, but nothing may follow.
func checkSequence(t *testing.T, evs []types.Event, canceled bool) {
	t.Helper()
	require.NotEmpty(t, evs)
	require.Equal(t, types.EventStart, evs[0].Type, "first event: %+v", evs)
	for i, ev := range evs[1:] {
		switch ev.Type {
		case types.EventToken:
		case types.EventEnd, types.EventError:
			require.Equal(t, len(evs)-2, i, "terminal event must be last: %+v", evs)
		default:
			t.Fatalf("unexpected %q in sequence %+v", ev.Type, evs)
		}
	}
	if !canceled {
		require.True(t, evs[len(evs)-1].Terminal(), "missing terminal event: %+v", evs)
	}
}

func TestEventOrderUnderRandomArrivalAndCancel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 25; iter++ {
		t.Run(strconv.Itoa(iter), func(t *testing.T) {
			fb := fake.New().AddLocal("m")
			mode := rng.Intn(3) // 0 end, 1 backend error, 2 client disconnect
			if mode == 1 {
				fb.SetStreamError("m", errors.New("boom"))
			}
			live := fb.Live("m")
			h := newHarness(t, fb, nil)
			conn := h.dial(t, "/ws/m")
			readEvent(t, conn)
			send(t, conn, chat("go"))

			n := rng.Intn(6)
			delays := make([]time.Duration, n)
			for i := range delays {
				delays[i] = time.Duration(rng.Intn(3)) * time.Millisecond
			}
			cut := rng.Intn(n + 2)
			go func() {
				for i := 0; i < n; i++ {
					time.Sleep(delays[i])
					select {
					case live <- "f" + strconv.Itoa(i):
					case <-time.After(time.Second):
						return
					}
				}
				if mode != 2 {
					close(live)
				}
			}()

			var evs []types.Event
			if mode == 2 {
				for len(evs) < cut {
					evs = append(evs, readEvent(t, conn))
					if evs[len(evs)-1].Terminal() {
						break
					}
				}
				require.NoError(t, conn.Close())
				require.Eventually(t, func() bool { return h.sup.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
				if len(evs) > 0 {
					checkSequence(t, evs, true)
				}
				if streams := fb.Streams(); len(streams) == 1 {
					require.True(t, streams[0].Closed())
				}
				return
			}
			evs = collect(t, conn)
			checkSequence(t, evs, false)
			require.Len(t, evs, n+2)
			want := types.EventEnd
			if mode == 1 {
				want = types.EventError
			}
			require.Equal(t, want, evs[len(evs)-1].Type)

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
			_, _, err := conn.ReadMessage()
			var ne interface{ Timeout() bool }
			require.True(t, errors.As(err, &ne) && ne.Timeout(), "no event may follow the terminal one, got %v", err)
		})
	}
}
