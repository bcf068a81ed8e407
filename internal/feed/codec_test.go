package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

var decodeNow = time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

func TestDecodeTrade(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.Trade
	}{
		{
			name: "reference shape",
			raw:  `{"type":"trade","id":"BTCUSDT-17","symbol":"BTCUSDT","timestamp":1700000000123,"price":43250.5,"size":0.25,"side":"sell"}`,
			want: domain.Trade{ID: "BTCUSDT-17", Instrument: "BTCUSDT", Timestamp: time.UnixMilli(1700000000123).UTC(), Price: 43250.5, Size: 0.25, Side: domain.SideSell},
		},
		{
			name: "numeric id and string numbers",
			raw:  `{"type":"trade","id":981,"timestamp":"1700000000000","price":"10.5","size":"3","side":"BUY"}`,
			want: domain.Trade{ID: "981", Timestamp: time.UnixMilli(1700000000000).UTC(), Price: 10.5, Size: 3, Side: domain.SideBuy},
		},
		{
			name: "missing timestamp uses receive time",
			raw:  `{"type":"trade","id":"x","price":1,"size":1,"side":"b"}`,
			want: domain.Trade{ID: "x", Timestamp: decodeNow, Price: 1, Size: 1, Side: domain.SideBuy},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw), decodeNow)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tm, ok := msg.(TradeMessage)
			if !ok {
				t.Fatalf("got %T, want TradeMessage", msg)
			}
			if tm.Trade != tt.want {
				t.Errorf("trade = %+v, want %+v", tm.Trade, tt.want)
			}
		})
	}
}

func TestDecodeOrderbook(t *testing.T) {
	raw := `{"type":"orderbook","symbol":"ES","timestamp":1700000000000,"lastUpdateId":42,"midPrice":100.25,"bids":[[100,3],[99.75,1,7],[1]],"asks":[["100.5","2"]]}`
	msg, err := Decode([]byte(raw), decodeNow)
	if err != nil {
		t.Fatal(err)
	}
	bm, ok := msg.(BookMessage)
	if !ok {
		t.Fatalf("got %T", msg)
	}
	u := bm.Update
	if u.UpdateID != 42 || u.Instrument != "ES" {
		t.Errorf("header = %d %q", u.UpdateID, u.Instrument)
	}
	if len(u.Bids) != 2 || u.Bids[1] != [2]float64{99.75, 1} {
		t.Errorf("bids = %v", u.Bids)
	}
	if len(u.Asks) != 1 || u.Asks[0] != [2]float64{100.5, 2} {
		t.Errorf("asks = %v", u.Asks)
	}
	if u.MidPrice == nil || *u.MidPrice != 100.25 {
		t.Errorf("mid = %v", u.MidPrice)
	}
	if u.Spread != nil {
		t.Errorf("spread = %v, want absent", *u.Spread)
	}
}

func TestDecodeControlAndErrors(t *testing.T) {
	if msg, err := Decode([]byte(`{"type":"ping"}`), decodeNow); err != nil || msg.Type() != "ping" {
		t.Errorf("ping = %v, %v", msg, err)
	}
	if msg, err := Decode([]byte(`{"type":"pong"}`), decodeNow); err != nil || msg.Type() != "pong" {
		t.Errorf("pong = %v, %v", msg, err)
	}

	if _, err := Decode([]byte(`{"type":"funding"}`), decodeNow); !errors.Is(err, domain.ErrUnknownMessage) {
		t.Errorf("unknown type err = %v", err)
	}

	malformed := []string{
		`not json`,
		`{"type":"trade","price":1,"side":"buy"}`,
		`{"type":"trade","price":-1,"size":1,"side":"buy"}`,
		`{"type":"trade","price":1,"size":1,"side":"hold"}`,
		`{"type":"orderbook","bids":"nope"}`,
	}
	for _, raw := range malformed {
		if _, err := Decode([]byte(raw), decodeNow); !errors.Is(err, domain.ErrMalformedMessage) {
			t.Errorf("%s: err = %v, want ErrMalformedMessage", raw, err)
		}
	}
}
