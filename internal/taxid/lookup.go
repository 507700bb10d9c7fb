package taxid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-checkout/internal/cache"
	"github.com/noah-isme/backend-checkout/internal/obs"
	"github.com/noah-isme/backend-checkout/internal/resilience"
)

var (
	// ErrInvalid means the identifier failed local validation.
	ErrInvalid = errors.New("taxid: invalid identifier")
	// ErrUnsupported means no registry lookup exists for the identifier's country.
	ErrUnsupported = errors.New("taxid: lookup not supported for country")
	// ErrNotRegistered means the registry has no subject for the identifier.
	ErrNotRegistered = errors.New("taxid: subject not found in registry")
	// ErrUpstream means the registry could not be queried.
	ErrUpstream = errors.New("taxid: registry unavailable")
)

// Company is the registry view of a taxpayer.
type Company struct {
	Name           string   `json:"name"`
	NIP            string   `json:"nip"`
	REGON          string   `json:"regon,omitempty"`
	KRS            string   `json:"krs,omitempty"`
	Address        string   `json:"address,omitempty"`
	VATStatus      string   `json:"vatStatus"`
	AccountNumbers []string `json:"accountNumbers,omitempty"`
	RequestID      string   `json:"requestId,omitempty"`
}

// Registry queries the Ministry of Finance VAT white-list.
type Registry struct {
	BaseURL string
	HTTP    *resilience.HTTPClient
	Cache   *cache.Cache
	Now     func() time.Time
	Logger  zerolog.Logger
}

type whitelistResponse struct {
	Result *struct {
		Subject *struct {
			Name             string   `json:"name"`
			NIP              string   `json:"nip"`
			StatusVat        string   `json:"statusVat"`
			Regon            string   `json:"regon"`
			KRS              string   `json:"krs"`
			ResidenceAddress string   `json:"residenceAddress"`
			WorkingAddress   string   `json:"workingAddress"`
			AccountNumbers   []string `json:"accountNumbers"`
		} `json:"subject"`
		RequestID string `json:"requestId"`
	} `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Lookup validates raw and, for Polish numbers, fetches the registered company.
func (r *Registry) Lookup(ctx context.Context, raw string) (Company, error) {
	res := Validate(raw)
	if !res.Valid {
		return Company{}, fmt.Errorf("%w: %s", ErrInvalid, res.Reason)
	}
	if res.Country != CountryPL {
		return Company{}, ErrUnsupported
	}
	if r == nil || r.HTTP == nil {
		return Company{}, fmt.Errorf("%w: registry not configured", ErrUpstream)
	}
	ctx, span := otel.Tracer("taxid.Registry").Start(ctx, "Registry.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("taxid.country", res.Country))

	key := cache.KeyTaxID(res.Country, res.Number)
	var company Company
	if ok, err := r.Cache.GetJSON(ctx, key, &company); err != nil {
		r.Logger.Warn().Err(err).Str("key", key).Msg("tax id cache read failed")
	} else if ok {
		obs.Inc(obs.TaxLookupTotal, "cache_hit")
		return company, nil
	}

	company, err := r.fetch(ctx, res.Number)
	switch {
	case errors.Is(err, ErrNotRegistered):
		obs.Inc(obs.TaxLookupTotal, "not_found")
		return Company{}, err
	case err != nil:
		span.RecordError(err)
		obs.Inc(obs.TaxLookupTotal, "error")
		return Company{}, err
	}
	obs.Inc(obs.TaxLookupTotal, "found")
	if err := r.Cache.SetJSON(ctx, key, company); err != nil {
		r.Logger.Warn().Err(err).Str("key", key).Msg("tax id cache write failed")
	}
	return company, nil
}

func (r *Registry) fetch(ctx context.Context, nip string) (Company, error) {
	base := strings.TrimRight(r.BaseURL, "/")
	if base == "" {
		base = "https://wl-api.mf.gov.pl"
	}
	endpoint := fmt.Sprintf("%s/api/search/nip/%s?date=%s", base, nip, r.now().Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Company{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.HTTP.Do(ctx, req)
	if err != nil {
		return Company{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Company{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Company{}, ErrNotRegistered
	}
	var payload whitelistResponse
	decodeErr := json.Unmarshal(body, &payload)
	if resp.StatusCode >= 300 {
		return Company{}, fmt.Errorf("%w: %d %s %s", ErrUpstream, resp.StatusCode, payload.Code, payload.Message)
	}
	if decodeErr != nil {
		return Company{}, fmt.Errorf("%w: decode: %v", ErrUpstream, decodeErr)
	}
	if payload.Result == nil || payload.Result.Subject == nil {
		return Company{}, ErrNotRegistered
	}
	s := payload.Result.Subject
	address := s.WorkingAddress
	if address == "" {
		address = s.ResidenceAddress
	}
	return Company{
		Name:           s.Name,
		NIP:            s.NIP,
		REGON:          s.Regon,
		KRS:            s.KRS,
		Address:        address,
		VATStatus:      s.StatusVat,
		AccountNumbers: s.AccountNumbers,
		RequestID:      payload.Result.RequestID,
	}, nil
}
