package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRESTClientKlines(t *testing.T) {
	const body = `[
		[1700000000000,"100.0","110.0","95.0","105.0","12.5",1700003599999,"1300.0",42,"6.0","600.0","0"],
		[1700003600000,"105.0","112.0","101.0","111.0","8",1700007199999,"900.0",30,"4.0","400.0","0"],
		[1700003600000,"1","1","1","1","1",0,"0",0,"0","0","0"]
	]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1h" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "", zerolog.Nop())
	bars, err := client.Klines(context.Background(), "btcusdt", "1h", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.Equal(t, int64(1700000000000), bars[0].Timestamp)
	require.Equal(t, 110.0, bars[0].High)
	require.Equal(t, 95.0, bars[0].Low)
	require.Equal(t, 12.5, bars[0].Volume)
	require.Equal(t, 111.0, bars[1].Close)
}

func TestRESTClientKlinesStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "", zerolog.Nop())
	_, err := client.Klines(context.Background(), "NOPE", "1h", 10)
	require.ErrorContains(t, err, "unexpected status 400")
}

func TestRESTClientTickers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/market/tickers" || r.URL.Query().Get("symbols") != "BTCUSDT,ETHUSDT" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"64000","change_percent":1.5},{"symbol":"ETHUSDT","price":3100.25,"change_percent":-0.4}]`))
	}))
	defer server.Close()

	client := NewRESTClient("", server.URL, zerolog.Nop())
	records, err := client.Tickers(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 64000.0, records[0].Price)
	require.Equal(t, 3100.25, records[1].Price)
}

func TestRESTClientTickersRequiresBase(t *testing.T) {
	client := NewRESTClient("", "", zerolog.Nop())
	_, err := client.Tickers(context.Background(), []string{"BTCUSDT"})
	require.Error(t, err)
}
