package types

type ParamsKind string

const (
	ParamsNone     ParamsKind = ""
	ParamsExchange ParamsKind = "exchange"
	ParamsBankRail ParamsKind = "bank_rail"
)

// ProviderParams carries provider-specific order fields. Kind selects which
// variant is populated; the owning adapter validates it.
type ProviderParams struct {
	Kind     ParamsKind      `json:"kind,omitempty"`
	Exchange *ExchangeParams `json:"exchange,omitempty"`
	BankRail *BankRailParams `json:"bank_rail,omitempty"`
}

type ExchangeParams struct {
	TimeInForce string `json:"time_in_force,omitempty"` // GTC, IOC or FOK
	PostOnly    bool   `json:"post_only,omitempty"`
}

type BankRailParams struct {
	Speed string `json:"speed,omitempty"` // standard or same_day
	Memo  string `json:"memo,omitempty"`
}
