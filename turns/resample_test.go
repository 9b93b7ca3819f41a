package turns

import "testing"

func TestResample(t *testing.T) {
	t.Run("equal rates pass through", func(t *testing.T) {
		in := []int16{1, 2, 3, 4}
		out := Resample(in, 16000, 16000)
		if len(out) != len(in) {
			t.Fatalf("length = %d, want %d", len(out), len(in))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
			}
		}
	})

	t.Run("output length follows the rate ratio", func(t *testing.T) {
		cases := []struct {
			n, in, out, want int
		}{
			{480, 48000, 16000, 160},
			{160, 16000, 48000, 480},
			{441, 44100, 16000, 160},
			{0, 48000, 16000, 0},
			{1, 48000, 16000, 0},
		}
		for _, c := range cases {
			got := Resample(make([]int16, c.n), c.in, c.out)
			if len(got) != c.want {
				t.Errorf("resample(%d samples, %d -> %d): length = %d, want %d",
					c.n, c.in, c.out, len(got), c.want)
			}
		}
	})

	t.Run("downsampling picks every third sample at 3:1", func(t *testing.T) {
		in := []int16{0, 10, 20, 30, 40, 50, 60, 70, 80}
		out := Resample(in, 48000, 16000)
		want := []int16{0, 30, 60}
		if len(out) != len(want) {
			t.Fatalf("length = %d, want %d", len(out), len(want))
		}
		for i := range want {
			if out[i] != want[i] {
				t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
			}
		}
	})

	t.Run("upsampling interpolates between neighbors", func(t *testing.T) {
		in := []int16{0, 100}
		out := Resample(in, 16000, 32000)
		// Positions 0, 0.5, 1, 1.5 over [0, 100].
		want := []int16{0, 50, 100, 100}
		if len(out) != len(want) {
			t.Fatalf("length = %d, want %d", len(out), len(want))
		}
		for i := range want {
			if out[i] != want[i] {
				t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
			}
		}
	})

	t.Run("extremes survive without wrapping", func(t *testing.T) {
		in := []int16{-32768, 32767, -32768, 32767}
		out := Resample(in, 48000, 16000)
		for i, s := range out {
			if s < -32768 || s > 32767 {
				t.Errorf("sample %d = %d out of int16 range", i, s)
			}
		}
	})
}
