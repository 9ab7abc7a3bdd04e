package exchange

import "testing"

func TestEncodeSymbol(t *testing.T) {
	cases := []struct {
		ex   Name
		in   string
		want string
	}{
		{Binance, "BTC/USDT", "BTCUSDT"},
		{Bybit, "ETH/USDT", "ETHUSDT"},
		{Upbit, "BTC/KRW", "KRW-BTC"},
		{Bithumb, "XRP/KRW", "XRP_KRW"},
		{Binance, "btc/usdt", "BTCUSDT"},
	}
	for _, c := range cases {
		got, err := EncodeSymbol(c.ex, c.in)
		if err != nil {
			t.Fatalf("EncodeSymbol(%s, %s): %v", c.ex, c.in, err)
		}
		if got != c.want {
			t.Errorf("EncodeSymbol(%s, %s) = %s, want %s", c.ex, c.in, got, c.want)
		}
	}

	if _, err := EncodeSymbol(Binance, "BTCUSDT"); err == nil {
		t.Error("expected error for symbol without separator")
	}
}

func TestDecodeSymbol(t *testing.T) {
	cases := []struct {
		ex   Name
		in   string
		want string
	}{
		{Binance, "BTCUSDT", "BTC/USDT"},
		{Binance, "ETHBTC", "ETH/BTC"},
		{Bybit, "SOLUSDC", "SOL/USDC"},
		{Upbit, "KRW-BTC", "BTC/KRW"},
		{Bithumb, "XRP_KRW", "XRP/KRW"},
	}
	for _, c := range cases {
		got, err := DecodeSymbol(c.ex, c.in)
		if err != nil {
			t.Fatalf("DecodeSymbol(%s, %s): %v", c.ex, c.in, err)
		}
		if got != c.want {
			t.Errorf("DecodeSymbol(%s, %s) = %s, want %s", c.ex, c.in, got, c.want)
		}
	}

	if _, err := DecodeSymbol(Binance, "XYZABC"); err == nil {
		t.Error("expected error for unknown quote suffix")
	}
	if _, err := DecodeSymbol(Upbit, "KRWBTC"); err == nil {
		t.Error("expected error for upbit symbol without dash")
	}
}

func TestSecuritiesSymbolOK(t *testing.T) {
	valid := []string{"AAPL", "005930", "BRK.B", "RDS-A", "A1_X"}
	for _, s := range valid {
		if !SecuritiesSymbolOK(s) {
			t.Errorf("SecuritiesSymbolOK(%s) = false, want true", s)
		}
	}
	invalid := []string{"", "BTC/USDT", "aapl", "...", "TOOLONGSYMBOLNAMETOOLONGSYMBOLX"}
	for _, s := range invalid {
		if SecuritiesSymbolOK(s) {
			t.Errorf("SecuritiesSymbolOK(%s) = true, want false", s)
		}
	}
}
