package steamapi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PopularApps are the apps ranked by TopGames. Steam has no public "most
// played" endpoint usable with a plain key, so the ranking is over this list.
var PopularApps = []int64{
	730,     // Counter-Strike 2
	570,     // Dota 2
	440,     // Team Fortress 2
	578080,  // PUBG
	252490,  // Rust
	1172470, // Apex Legends
	1938090, // Call of Duty
	346110,  // ARK
	271590,  // GTA V
	1599340, // Lost Ark
	1172620, // Sea of Thieves
	359550,  // Rainbow Six Siege
	230410,  // Warframe
	548430,  // Deep Rock Galactic
	1949440, // Palworld
}

// GameStats is a game with its current player count.
type GameStats struct {
	AppID       int64
	Name        string
	PlayerCount int
	HeaderImage string
	Genres      []string
}

// TopGames returns up to limit of the PopularApps ordered by current player
// count. Apps whose details or counts cannot be fetched, or that report no
// players, are left out.
func (c *Client) TopGames(ctx context.Context, limit int) ([]GameStats, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		mu  sync.Mutex
		out = make([]GameStats, 0, len(PopularApps))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range PopularApps {
		g.Go(func() error {
			stats, err := c.gameStats(gctx, id)
			if err != nil {
				c.log().Warn("skipping app in top games", slog.Int64("game_id", id), slog.Any("err", err))
				return nil
			}
			if stats == nil {
				return nil
			}
			mu.Lock()
			out = append(out, *stats)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PlayerCount > out[j].PlayerCount })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Client) gameStats(ctx context.Context, appID int64) (*GameStats, error) {
	data, err := c.appDetails(ctx, appID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	count, err := c.PlayerCount(ctx, appID)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}
	name := data.Name
	if name == "" {
		name = fmt.Sprintf("Game %d", appID)
	}
	stats := &GameStats{AppID: appID, Name: name, PlayerCount: count, HeaderImage: data.HeaderImage}
	for _, g := range data.Genres {
		stats.Genres = append(stats.Genres, g.Description)
	}
	return stats, nil
}
