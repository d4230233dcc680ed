package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver answers best-effort location lookups for accept logs and the
// status endpoint. A nil Resolver is valid and resolves nothing, so
// callers never have to branch on whether a database was configured.
type Resolver struct {
	db *maxminddb.Reader
}

// Open loads a MaxMind database. An empty path yields a nil resolver.
func Open(path string) (*Resolver, error) {
	if path == "" {
		return nil, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Resolver{db: db}, nil
}

func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type location struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// Lookup returns "CC" or "CC/City" for the address, or "" when the
// address is unknown or no database is loaded.
func (r *Resolver) Lookup(ip net.IP) string {
	if r == nil || r.db == nil || ip == nil {
		return ""
	}
	var loc location
	if err := r.db.Lookup(ip, &loc); err != nil {
		return ""
	}
	if loc.Country.ISOCode == "" {
		return ""
	}
	if city := loc.City.Names["en"]; city != "" {
		return loc.Country.ISOCode + "/" + city
	}
	return loc.Country.ISOCode
}
