package aliexpress

import (
	"context"
	"encoding/json"
	"fmt"
)

// Method names in the built-in catalog.
const (
	MethodAddressGet       = "aliexpress.ds.address.get"
	MethodFeedNameGet      = "aliexpress.ds.feedname.get"
	MethodFeedItemIDsGet   = "aliexpress.ds.feed.itemids.get"
	MethodProductGet       = "aliexpress.ds.product.get"
	MethodOrderCreate      = "aliexpress.ds.order.create"
	MethodOrderGet         = "aliexpress.trade.ds.order.get"
	MethodOrderTrackingGet = "aliexpress.ds.order.tracking.get"
	MethodFreightQuery     = "aliexpress.ds.freight.query"
	MethodImageSearch      = "aliexpress.ds.image.searchV2"
	MethodTextSearch       = "aliexpress.ds.text.search"
)

// params collects business parameters, leaving out unset values.
type params map[string]any

func (p params) str(k, v string) params {
	if v != "" {
		p[k] = v
	}
	return p
}

func (p params) num(k string, v int64) params {
	if v != 0 {
		p[k] = v
	}
	return p
}

func (p params) boolean(k string, v *bool) params {
	if v != nil {
		p[k] = *v
	}
	return p
}

type AddressRequest struct {
	CountryCode     string
	Language        string
	IsMultiLanguage *bool
}

// GetAddress lists the address divisions of a country.
func (c *Client) GetAddress(ctx context.Context, r AddressRequest) (json.RawMessage, error) {
	p := params{}.
		str("countryCode", r.CountryCode).
		str("language", r.Language).
		boolean("isMultiLanguage", r.IsMultiLanguage)
	return c.callUnwrapped(ctx, MethodAddressGet, p)
}

// GetFeedNames lists the promotional feeds available to the application.
func (c *Client) GetFeedNames(ctx context.Context, appSignature string) (json.RawMessage, error) {
	p := params{}.str("app_signature", appSignature)
	return c.callUnwrapped(ctx, MethodFeedNameGet, p)
}

type FeedItemIDsRequest struct {
	FeedName string
	PageSize int64
	// SearchID continues a previous page.
	SearchID string
}

// GetFeedItemIDs pages through the product ids of a feed.
func (c *Client) GetFeedItemIDs(ctx context.Context, r FeedItemIDsRequest) (json.RawMessage, error) {
	p := params{}.
		str("feed_name", r.FeedName).
		num("page_size", r.PageSize).
		str("search_id", r.SearchID)
	return c.callUnwrapped(ctx, MethodFeedItemIDsGet, p)
}

type ProductRequest struct {
	ProductID             int64
	ShipToCountry         string
	TargetCurrency        string
	TargetLanguage        string
	RemovePersonalBenefit *bool
}

// GetProduct fetches product details for a destination country.
func (c *Client) GetProduct(ctx context.Context, r ProductRequest) (json.RawMessage, error) {
	p := params{}.
		num("product_id", r.ProductID).
		str("ship_to_country", r.ShipToCountry).
		str("target_currency", r.TargetCurrency).
		str("target_language", r.TargetLanguage).
		boolean("remove_personal_benefit", r.RemovePersonalBenefit)
	return c.callUnwrapped(ctx, MethodProductGet, p)
}

type Payment struct {
	PayCurrency string `json:"pay_currency,omitempty"`
	TryToPay    string `json:"try_to_pay,omitempty"`
}

type Promotion struct {
	PromotionCode        string `json:"promotion_code,omitempty"`
	PromotionChannelInfo string `json:"promotion_channel_info,omitempty"`
}

type TradeExtraParam struct {
	BusinessModel string `json:"business_model,omitempty"`
}

// ExtendRequest is the ds_extend_request document of an order.
type ExtendRequest struct {
	Payment         *Payment         `json:"payment,omitempty"`
	Promotion       *Promotion       `json:"promotion,omitempty"`
	TradeExtraParam *TradeExtraParam `json:"trade_extra_param,omitempty"`
}

type LogisticsAddress struct {
	Address               string `json:"address"`
	Address2              string `json:"address2,omitempty"`
	Birthday              string `json:"birthday,omitempty"`
	City                  string `json:"city"`
	ContactPerson         string `json:"contact_person,omitempty"`
	Country               string `json:"country"`
	CPF                   string `json:"cpf,omitempty"`
	FaxArea               string `json:"fax_area,omitempty"`
	FaxCountry            string `json:"fax_country,omitempty"`
	FaxNumber             string `json:"fax_number,omitempty"`
	FullName              string `json:"full_name"`
	Locale                string `json:"locale,omitempty"`
	MobileNo              string `json:"mobile_no,omitempty"`
	PassportNo            string `json:"passport_no,omitempty"`
	PassportNoDate        string `json:"passport_no_date,omitempty"`
	PassportOrganization  string `json:"passport_organization,omitempty"`
	PhoneArea             string `json:"phone_area,omitempty"`
	PhoneCountry          string `json:"phone_country,omitempty"`
	PhoneNumber           string `json:"phone_number,omitempty"`
	Province              string `json:"province"`
	TaxNumber             string `json:"tax_number,omitempty"`
	Zip                   string `json:"zip"`
	RutNo                 string `json:"rut_no,omitempty"`
	ForeignerPassportNo   string `json:"foreigner_passport_no,omitempty"`
	IsForeigner           bool   `json:"is_foreigner,string"`
	VatNo                 string `json:"vat_no,omitempty"`
	TaxCompany            string `json:"tax_company,omitempty"`
	LocationTreeAddressID string `json:"location_tree_address_id,omitempty"`
}

// OrderItem is one product line of an order. The provider expects ids and
// counts as strings.
type OrderItem struct {
	ProductID            int64  `json:"product_id,string"`
	ProductCount         int    `json:"product_count,string"`
	SKUAttr              string `json:"sku_attr,omitempty"`
	LogisticsServiceName string `json:"logistics_service_name,omitempty"`
	OrderMemo            string `json:"order_memo,omitempty"`
}

// PlaceOrderRequest is the param_place_order_request4_open_api_d_t_o document.
type PlaceOrderRequest struct {
	OutOrderID       string           `json:"out_order_id,omitempty"`
	LogisticsAddress LogisticsAddress `json:"logistics_address"`
	ProductItems     []OrderItem      `json:"product_items"`
}

type OrderCreateRequest struct {
	Order  PlaceOrderRequest
	Extend *ExtendRequest
}

// CreateOrder places a dropshipping order.
func (c *Client) CreateOrder(ctx context.Context, r OrderCreateRequest) (json.RawMessage, error) {
	p := params{"param_place_order_request4_open_api_d_t_o": r.Order}
	if r.Extend != nil {
		p["ds_extend_request"] = r.Extend
	}
	return c.callUnwrapped(ctx, MethodOrderCreate, p)
}

type OrderQuery struct {
	OrderID           int64 `json:"order_id"`
	IncludeOrderItems bool  `json:"include_order_items"`
}

// GetOrders fetches orders by id. The ids travel in the single_order_query
// document.
func (c *Client) GetOrders(ctx context.Context, queries ...OrderQuery) (json.RawMessage, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w %q for %s", ErrMissingParam, "single_order_query", MethodOrderGet)
	}
	p := params{"single_order_query": queries}
	return c.callUnwrapped(ctx, MethodOrderGet, p)
}

// GetOrderTracking fetches the logistics tracking of an order.
func (c *Client) GetOrderTracking(ctx context.Context, aeOrderID, language string) (json.RawMessage, error) {
	p := params{}.
		str("ae_order_id", aeOrderID).
		str("language", language)
	return c.callUnwrapped(ctx, MethodOrderTrackingGet, p)
}

// FreightRequest is the queryDeliveryReq document.
type FreightRequest struct {
	ProductID     int64  `json:"productId"`
	SelectedSKUID string `json:"selectedSkuId,omitempty"`
	Quantity      int    `json:"quantity"`
	ShipToCountry string `json:"shipToCountry"`
	ProvinceCode  string `json:"provinceCode,omitempty"`
	CityCode      string `json:"cityCode,omitempty"`
	Source        string `json:"source,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Language      string `json:"language,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// QueryFreight lists delivery options and costs for a product.
func (c *Client) QueryFreight(ctx context.Context, r FreightRequest) (json.RawMessage, error) {
	p := params{"queryDeliveryReq": r}
	return c.callUnwrapped(ctx, MethodFreightQuery, p)
}

// ImageSearchRequest is the param0 document of an image search.
type ImageSearchRequest struct {
	SearchType  string `json:"search_type,omitempty"`
	ImageBase64 string `json:"image_base64"`
	Currency    string `json:"currency,omitempty"`
	Lang        string `json:"lang,omitempty"`
	SortType    string `json:"sort_type,omitempty"`
	SortOrder   string `json:"sort_order,omitempty"`
	ShipTo      string `json:"ship_to,omitempty"`
}

// SearchByImage finds products similar to an image. The image is sent in the
// form body.
func (c *Client) SearchByImage(ctx context.Context, r ImageSearchRequest) (json.RawMessage, error) {
	p := params{"param0": r}
	return c.callUnwrapped(ctx, MethodImageSearch, p)
}

type TextSearchRequest struct {
	KeyWord       string
	Local         string
	CountryCode   string
	CategoryID    string
	SortBy        string
	PageSize      int64
	PageIndex     int64
	Currency      string
	SearchExtend  string
	SelectionName string
}

// SearchByText finds products by keyword.
func (c *Client) SearchByText(ctx context.Context, r TextSearchRequest) (json.RawMessage, error) {
	p := params{}.
		str("keyWord", r.KeyWord).
		str("local", r.Local).
		str("countryCode", r.CountryCode).
		str("categoryId", r.CategoryID).
		str("sortBy", r.SortBy).
		num("pageSize", r.PageSize).
		num("pageIndex", r.PageIndex).
		str("currency", r.Currency).
		str("searchExtend", r.SearchExtend).
		str("selectionName", r.SelectionName)
	return c.callUnwrapped(ctx, MethodTextSearch, p)
}
