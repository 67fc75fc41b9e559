package valr

// Wire types for the VALR REST API. All numeric fields arrive as strings.

type limitOrderRequest struct {
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	Pair        string `json:"pair"`
	PostOnly    bool   `json:"postOnly"`
	TimeInForce string `json:"timeInForce"`
}

type marketOrderRequest struct {
	Side        string `json:"side"`
	Pair        string `json:"pair"`
	BaseAmount  string `json:"baseAmount,omitempty"`
	QuoteAmount string `json:"quoteAmount,omitempty"`
}

type orderResponse struct {
	ID string `json:"id"`
}

type cancelOrderRequest struct {
	OrderID string `json:"orderId"`
	Pair    string `json:"pair"`
}

type orderStatusResponse struct {
	OrderID           string `json:"orderId"`
	OrderStatusType   string `json:"orderStatusType"`
	CurrencyPair      string `json:"currencyPair"`
	OriginalQuantity  string `json:"originalQuantity"`
	RemainingQuantity string `json:"remainingQuantity"`
	OriginalPrice     string `json:"originalPrice"`
	AveragePrice      string `json:"averagePrice"`
	FailedReason      string `json:"failedReason"`
	OrderUpdatedAt    string `json:"orderUpdatedAt"`
}

type balanceResponse struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
	Total     string `json:"total"`
}

type marketSummaryResponse struct {
	CurrencyPair     string `json:"currencyPair"`
	LastTradedPrice  string `json:"lastTradedPrice"`
	BidPrice         string `json:"bidPrice"`
	AskPrice         string `json:"askPrice"`
	PreviousClose    string `json:"previousClosePrice"`
	BaseVolume       string `json:"baseVolume"`
	HighPrice        string `json:"highPrice"`
	LowPrice         string `json:"lowPrice"`
	CreatedTimestamp string `json:"created"`
}

type candleBucket struct {
	StartTime string `json:"startTime"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

type serverTimeResponse struct {
	EpochTime int64  `json:"epochTime"`
	Time      string `json:"time"`
}

type apiErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
