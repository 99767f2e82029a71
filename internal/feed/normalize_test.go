package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalize(t *testing.T) {
	receivedAt := time.UnixMilli(1_700_000_000_999)

	tests := []struct {
		name       string
		format     Format
		data       string
		wantSymbol string
		wantPrice  string
		wantTS     int64
		wantErr    error
	}{
		{
			name:       "canonical string price",
			format:     FormatCanonical,
			data:       `{"instrument":"EURUSD","price":"1.2000","timestamp":1700000000000}`,
			wantSymbol: "EURUSD", wantPrice: "1.2", wantTS: 1_700_000_000_000,
		},
		{
			name:       "canonical numeric price",
			format:     FormatCanonical,
			data:       `{"instrument":"EURUSD","price":1.2345,"timestamp":1700000000000}`,
			wantSymbol: "EURUSD", wantPrice: "1.2345", wantTS: 1_700_000_000_000,
		},
		{
			name:       "canonical missing timestamp uses receive time",
			format:     FormatCanonical,
			data:       `{"instrument":"EURUSD","price":"1.1"}`,
			wantSymbol: "EURUSD", wantPrice: "1.1", wantTS: 1_700_000_000_999,
		},
		{
			name:    "canonical ack",
			format:  FormatCanonical,
			data:    `{"type":"subscribed"}`,
			wantErr: ErrNotPrice,
		},
		{
			name:    "canonical zero price",
			format:  FormatCanonical,
			data:    `{"instrument":"EURUSD","price":"0","timestamp":1}`,
			wantErr: ErrParse,
		},
		{
			name:    "canonical negative price",
			format:  FormatCanonical,
			data:    `{"instrument":"EURUSD","price":"-1","timestamp":1}`,
			wantErr: ErrParse,
		},
		{
			name:    "canonical missing instrument",
			format:  FormatCanonical,
			data:    `{"price":"1.1","timestamp":1}`,
			wantErr: ErrParse,
		},
		{
			name:    "invalid json",
			format:  FormatCanonical,
			data:    `{not json`,
			wantErr: ErrParse,
		},
		{
			name:    "unparsable price",
			format:  FormatCanonical,
			data:    `{"instrument":"EURUSD","price":"abc","timestamp":1}`,
			wantErr: ErrParse,
		},
		{
			name:       "asset price",
			format:     FormatAsset,
			data:       `{"type":"price","asset":"BTCUSD","price":"64000.5","ts":1700000000001}`,
			wantSymbol: "BTCUSD", wantPrice: "64000.5", wantTS: 1_700_000_000_001,
		},
		{
			name:    "asset heartbeat",
			format:  FormatAsset,
			data:    `{"type":"heartbeat"}`,
			wantErr: ErrNotPrice,
		},
		{
			name:       "binance trade",
			format:     FormatBinance,
			data:       `{"e":"trade","E":1700000000005,"s":"BTCUSDT","t":1,"p":"64000.10","q":"0.01","T":1700000000004,"m":true,"M":true}`,
			wantSymbol: "BTCUSDT", wantPrice: "64000.1", wantTS: 1_700_000_000_004,
		},
		{
			name:    "binance subscribe result",
			format:  FormatBinance,
			data:    `{"result":null,"id":1}`,
			wantErr: ErrNotPrice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer(tt.format)
			tick, err := n.Normalize([]byte(tt.data), receivedAt)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tick.Instrument != tt.wantSymbol {
				t.Errorf("Instrument = %q, want %q", tick.Instrument, tt.wantSymbol)
			}
			if !tick.Price.Equal(decimal.RequireFromString(tt.wantPrice)) {
				t.Errorf("Price = %s, want %s", tick.Price, tt.wantPrice)
			}
			if tick.Timestamp != tt.wantTS {
				t.Errorf("Timestamp = %d, want %d", tick.Timestamp, tt.wantTS)
			}
		})
	}
}

func TestNormalizer_Commands(t *testing.T) {
	t.Run("canonical", func(t *testing.T) {
		n := NewNormalizer(FormatCanonical)
		got, err := n.Subscribe([]string{"EURUSD", "GBPUSD"})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		want := `{"type":"subscribe","instruments":["EURUSD","GBPUSD"]}`
		if string(got) != want {
			t.Errorf("Subscribe = %s, want %s", got, want)
		}
	})

	t.Run("binance", func(t *testing.T) {
		n := NewNormalizer(FormatBinance)
		first, _ := n.Subscribe([]string{"BTCUSDT"})
		second, _ := n.Unsubscribe([]string{"ETHUSDT"})

		if want := `{"method":"SUBSCRIBE","params":["btcusdt@trade"],"id":1}`; string(first) != want {
			t.Errorf("Subscribe = %s, want %s", first, want)
		}
		if want := `{"method":"UNSUBSCRIBE","params":["ethusdt@trade"],"id":2}`; string(second) != want {
			t.Errorf("Unsubscribe = %s, want %s", second, want)
		}
	})
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"canonical", "asset", "binance"} {
		if _, err := ParseFormat(s); err != nil {
			t.Errorf("ParseFormat(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseFormat("fix"); err == nil {
		t.Error("ParseFormat(fix) should fail")
	}
}
