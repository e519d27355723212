package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// ExchangeInfo fetches market metadata.
func (c *Client) ExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	var out ExchangeInfo
	err := c.Request(ctx, http.MethodGet, Futures, "/fapi/v1/exchangeInfo", nil, false, &out)
	return out, err
}

// LeverageBrackets fetches every symbol's leverage brackets.
func (c *Client) LeverageBrackets(ctx context.Context) ([]LeverageBracket, error) {
	var out []LeverageBracket
	err := c.Request(ctx, http.MethodGet, Futures, "/fapi/v1/leverageBracket", nil, true, &out)
	return out, err
}

// Account fetches balances and positions.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	err := c.Request(ctx, http.MethodGet, Futures, "/fapi/v2/account", nil, true, &out)
	return out, err
}

// OpenOrders fetches the open orders of symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out []Order
	err := c.Request(ctx, http.MethodGet, Futures, "/fapi/v1/openOrders", params, true, &out)
	return out, err
}

// PlaceOrder submits one order. params must carry symbol, side and type.
func (c *Client) PlaceOrder(ctx context.Context, params url.Values) (Order, error) {
	var out Order
	err := c.Request(ctx, http.MethodPost, Futures, "/fapi/v1/order", params, true, &out)
	return out, err
}

// CancelAllOpenOrders cancels every open order of symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.Request(ctx, http.MethodDelete, Futures, "/fapi/v1/allOpenOrders", params, true, nil)
}

// ChangeLeverage sets symbol's initial leverage.
func (c *Client) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.Request(ctx, http.MethodPost, Futures, "/fapi/v1/leverage", params, true, nil)
}

// ChangeMarginType sets symbol's margin type (CROSSED or ISOLATED).
func (c *Client) ChangeMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	return c.Request(ctx, http.MethodPost, Futures, "/fapi/v1/marginType", params, true, nil)
}

// MultiAssetsMargin reports whether multi-assets mode is on.
func (c *Client) MultiAssetsMargin(ctx context.Context) (bool, error) {
	var out struct {
		MultiAssetsMargin bool `json:"multiAssetsMargin"`
	}
	err := c.Request(ctx, http.MethodGet, Futures, "/fapi/v1/multiAssetsMargin", nil, true, &out)
	return out.MultiAssetsMargin, err
}

// SetMultiAssetsMargin switches multi-assets mode.
func (c *Client) SetMultiAssetsMargin(ctx context.Context, on bool) error {
	params := url.Values{}
	params.Set("multiAssetsMargin", strconv.FormatBool(on))
	return c.Request(ctx, http.MethodPost, Futures, "/fapi/v1/multiAssetsMargin", params, true, nil)
}

// DualSidePosition reports whether hedge mode is on.
func (c *Client) DualSidePosition(ctx context.Context) (bool, error) {
	var out struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	err := c.Request(ctx, http.MethodGet, Futures, "/fapi/v1/positionSide/dual", nil, true, &out)
	return out.DualSidePosition, err
}

// SetDualSidePosition switches hedge mode.
func (c *Client) SetDualSidePosition(ctx context.Context, on bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(on))
	return c.Request(ctx, http.MethodPost, Futures, "/fapi/v1/positionSide/dual", params, true, nil)
}

// AggTrades fetches up to limit aggregate trades of symbol from startTime.
func (c *Client) AggTrades(ctx context.Context, symbol string, startTime int64, limit int) ([]AggTradeREST, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(startTime, 10))
	params.Set("limit", strconv.Itoa(limit))
	var out []AggTradeREST
	err := c.Request(ctx, http.MethodGet, Futures, "/fapi/v1/aggTrades", params, false, &out)
	return out, err
}

// APIRestrictions fetches the key's permissions from the spot API.
func (c *Client) APIRestrictions(ctx context.Context) (APIRestrictions, error) {
	var out APIRestrictions
	err := c.Request(ctx, http.MethodGet, Spot, "/sapi/v1/account/apiRestrictions", nil, true, &out)
	return out, err
}

// CreateListenKey opens a user-data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if !c.HasKeys() {
		return "", ErrMissingKeys
	}
	err := c.requestKeyOnly(ctx, http.MethodPost, &out)
	return out.ListenKey, err
}

// KeepAliveListenKey extends the user-data stream's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if !c.HasKeys() {
		return ErrMissingKeys
	}
	return c.requestKeyOnly(ctx, http.MethodPut, nil)
}

// listenKey endpoints want the API key header but no signature.
func (c *Client) requestKeyOnly(ctx context.Context, method string, out any) error {
	return c.Request(ctx, method, Futures, "/fapi/v1/listenKey", nil, false, out)
}
