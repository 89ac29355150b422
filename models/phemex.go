package models

import "encoding/json"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// PHEMEX ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PhemexSubscribeMsg is the subscribe request for one Phemex channel, e.g.
// {"id":1,"method":"trade.subscribe","params":["BTCUSD"]}.
type PhemexSubscribeMsg struct {
	ID     int      `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// PhemexFrame is the common envelope of inbound Phemex websocket messages.
// Type discriminates "snapshot" and "incremental" data frames; control
// frames (subscribe acks, heartbeats) carry no Type and are skipped.
type PhemexFrame struct {
	Type     string          `json:"type"`
	Symbol   string          `json:"symbol"`
	Sequence int64           `json:"sequence"`
	Trades   json.RawMessage `json:"trades"`
	Book     json.RawMessage `json:"book"`
	Error    *PhemexError    `json:"error"`
	ID       *int            `json:"id"`
	Result   json.RawMessage `json:"result"`
}

// PhemexError is the error object attached to a rejected request.
type PhemexError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PhemexBook carries bid and ask level arrays of [scaledPrice, qty] pairs.
type PhemexBook struct {
	Bids [][2]json.Number `json:"bids"`
	Asks [][2]json.Number `json:"asks"`
}

// PhemexProduct is one entry of the /exchange/public/products response.
type PhemexProduct struct {
	Symbol        string `json:"symbol"`
	Type          string `json:"type"`
	BaseCurrency  string `json:"baseCurrency"`
	QuoteCurrency string `json:"quoteCurrency"`
	PriceScale    int    `json:"priceScale"`
	Status        string `json:"status"`
}

// PhemexProductsResp is the envelope of the products discovery call.
type PhemexProductsResp struct {
	Code int             `json:"code"`
	Data []PhemexProduct `json:"data"`
}
