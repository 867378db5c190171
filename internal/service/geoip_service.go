package service

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"failmon/internal/models"

	"github.com/oschwald/geoip2-golang"
	zlog "github.com/rs/zerolog/log"
)

type attackerStore interface {
	TopAttackerIPs(ctx context.Context, limit int) ([]models.IPCount, error)
}

// GeoService enriches attacker IPs with GeoLite2 data when a database file
// is present. Without one, /geo-attacks serves an empty projection.
type GeoService struct {
	store  attackerStore
	reader *geoip2.Reader
}

func findGeoIPPath(filename string) string {
	paths := []string{
		filepath.Join("/var/lib/failmon/geoip", filename),
		filepath.Join("/usr/share/GeoIP", filename),
		filepath.Join(".", filename),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func NewGeoService(store attackerStore) *GeoService {
	svc := &GeoService{store: store}
	if path := findGeoIPPath("GeoLite2-City.mmdb"); path != "" {
		if reader, err := geoip2.Open(path); err == nil {
			svc.reader = reader
			zlog.Info().Str("path", path).Msg("GeoLite2-City database loaded")
		} else {
			zlog.Warn().Err(err).Str("path", path).Msg("failed to open GeoLite2-City database")
		}
	}
	return svc
}

func (s *GeoService) Close() {
	if s.reader != nil {
		_ = s.reader.Close()
	}
}

func (s *GeoService) Lookup(ipStr string) *models.GeoData {
	if s.reader == nil {
		return nil
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil
	}
	record, err := s.reader.City(ip)
	if err != nil {
		return nil
	}
	return &models.GeoData{
		Country:   record.Country.Names["en"],
		City:      record.City.Names["en"],
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}
}

// TopAttacks returns the heaviest attacker IPs with geolocation. Empty
// without a GeoIP database, matching the pre-GeoIP behavior of the API.
func (s *GeoService) TopAttacks(ctx context.Context, limit int) ([]models.GeoAttack, error) {
	if s.reader == nil {
		return []models.GeoAttack{}, nil
	}
	top, err := s.store.TopAttackerIPs(ctx, limit)
	if err != nil {
		return nil, err
	}
	attacks := make([]models.GeoAttack, 0, len(top))
	for _, row := range top {
		attacks = append(attacks, models.GeoAttack{
			SourceIP: row.SourceIP,
			Count:    row.Count,
			Geo:      s.Lookup(row.SourceIP),
		})
	}
	return attacks, nil
}
