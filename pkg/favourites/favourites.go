package favourites

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearthlink/hearthlink/pkg/config"
	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/types"
)

// BearerSource is the slice of the credential lifecycle manager the
// favourites service consumes.
type BearerSource interface {
	Bearer(ctx context.Context) (types.BearerToken, error)
}

// Favourite is one saved cook preset.
type Favourite struct {
	ID        string
	Name      string
	Cavity    string
	CycleInfo map[string]any
}

// Command is a resolved preset: the addressee and body to hand to the
// correlator.
type Command struct {
	Addressee string
	Body      map[string]any
}

// Service fetches saved presets from the account API and resolves them into
// runnable commands.
type Service struct {
	cfg    *config.Config
	bearer BearerSource
	httpc  *http.Client
	logger zerolog.Logger
}

// NewService creates a favourites service.
func NewService(cfg *config.Config, bearer BearerSource) *Service {
	return &Service{
		cfg:    cfg,
		bearer: bearer,
		httpc:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger: log.WithComponent("favourites"),
	}
}

// WithHTTPClient overrides the HTTP client (tests).
func (s *Service) WithHTTPClient(c *http.Client) *Service {
	s.httpc = c
	return s
}

// Fetch lists the saved favourites for one device.
func (s *Service) Fetch(ctx context.Context, said string) ([]Favourite, error) {
	tok, err := s.bearer.Bearer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.FavouritesURL(said), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range config.AppHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("favourites endpoint returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		FavoritesList []struct {
			FavoriteCycles []struct {
				ID        string         `json:"id"`
				Name      string         `json:"name"`
				Cavity    string         `json:"cavity"`
				CycleInfo map[string]any `json:"cycleInfo"`
			} `json:"favoriteCycles"`
		} `json:"favoritesList"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse favourites: %w", err)
	}

	var favs []Favourite
	for _, list := range out.FavoritesList {
		for _, cycle := range list.FavoriteCycles {
			fav := Favourite{
				ID:        cycle.ID,
				Name:      cycle.Name,
				Cavity:    cycle.Cavity,
				CycleInfo: cycle.CycleInfo,
			}
			if fav.Name == "" {
				fav.Name = "Unnamed"
			}
			if fav.Cavity == "" {
				fav.Cavity = types.AddresseePrimaryCavity
			}
			favs = append(favs, fav)
		}
	}
	s.logger.Debug().Int("count", len(favs)).Msg("favourites loaded")
	return favs, nil
}

// Resolve converts a saved preset into a runnable command with a fresh cook
// session id.
func Resolve(fav Favourite) (Command, error) {
	cycle, err := firstCycle(fav.CycleInfo)
	if err != nil {
		return Command{}, apperrors.Wrap(err, apperrors.CodeNotFound,
			fmt.Sprintf("favourite %q has no cycle data", fav.Name))
	}

	body := map[string]any{
		"addressee": fav.Cavity,
		"command":   types.CmdRun,
		"sessionId": uuid.NewString(),
	}
	if name, ok := cycle["CycleName"].(string); ok && name != "" {
		body["recipeId"] = name
	}
	if temp, ok := toFloat(cycle["CavityTargetTemp"]); ok {
		body["targetTemperature"] = temp
	}
	if preheat, ok := cycle["PreheatType"].(string); ok && preheat != "" {
		body["preheat"] = preheat
	}
	if cookTime, ok := toFloat(cycle["CookTimeSetTime"]); ok {
		body["cookTimer"] = map[string]any{
			"command": types.CmdRun,
			"time":    int(cookTime),
		}
	}

	return Command{Addressee: fav.Cavity, Body: body}, nil
}

// firstCycle digs the first saved cycle out of the nested preset record.
func firstCycle(info map[string]any) (map[string]any, error) {
	cur := info
	for _, key := range []string{"cycleMyCreation", "entityCycle"} {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("missing %s", key)
		}
		cur = next
	}
	cycles, ok := cur["myCreationCycle"].([]any)
	if !ok || len(cycles) == 0 {
		return nil, fmt.Errorf("empty cycle list")
	}
	cycle, ok := cycles[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed cycle entry")
	}
	return cycle, nil
}

// toFloat accepts the number encodings the preset API emits: JSON numbers
// and stringified decimals.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

