// Package settings persists module configuration between boots: radio
// credentials, broker addresses and the aggregation defaults.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dumacp/go-aggregator/internal/result"
)

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: settings dir %q: %s", result.ErrUnknown, dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) Read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: settings %q", result.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save writes through a temp file and rename so a power cut never leaves a
// half-written blob.
func (s *Store) Save(key string, data []byte) error {
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

const (
	keyWifi        = "wifi"
	keyCell        = "cell"
	keyBroker      = "broker"
	keyAggregation = "aggregation"
)

type WifiConfig struct {
	SSID string `json:"ssid"`
	PSK  string `json:"psk"`
}

type CellConfig struct {
	APN string `json:"apn"`
}

type BrokerConfig struct {
	URL      string `json:"url"`
	ClientID string `json:"clientId"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Gateway  string `json:"gateway,omitempty"`
}

type AggregationConfig struct {
	PeriodMs  int    `json:"periodMs"`
	TimeoutMs int    `json:"timeoutMs"`
	Transport string `json:"transport,omitempty"`
}

func (s *Store) LoadWifi() (*WifiConfig, error) {
	v := new(WifiConfig)
	return v, s.load(keyWifi, v)
}

func (s *Store) SaveWifi(v *WifiConfig) error { return s.save(keyWifi, v) }

func (s *Store) LoadCell() (*CellConfig, error) {
	v := new(CellConfig)
	return v, s.load(keyCell, v)
}

func (s *Store) SaveCell(v *CellConfig) error { return s.save(keyCell, v) }

func (s *Store) LoadBroker() (*BrokerConfig, error) {
	v := new(BrokerConfig)
	return v, s.load(keyBroker, v)
}

func (s *Store) SaveBroker(v *BrokerConfig) error { return s.save(keyBroker, v) }

func (s *Store) LoadAggregation() (*AggregationConfig, error) {
	v := new(AggregationConfig)
	return v, s.load(keyAggregation, v)
}

func (s *Store) SaveAggregation(v *AggregationConfig) error { return s.save(keyAggregation, v) }

func (s *Store) load(key string, v interface{}) error {
	data, err := s.Read(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: settings %q: %s", result.ErrInvalidParameter, key, err)
	}
	return nil
}

func (s *Store) save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Save(key, data)
}
