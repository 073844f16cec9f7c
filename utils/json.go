package utils

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

type jsonBufferPool struct {
	pool sync.Pool
}

func (p *jsonBufferPool) Get() *bytes.Buffer {
	if buf := p.pool.Get(); buf != nil {
		return buf.(*bytes.Buffer)
	}
	return bytes.NewBuffer(make([]byte, 0, 1024))
}

func (p *jsonBufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	if buf.Cap() < 16*1024 {
		p.pool.Put(buf)
	}
}

var jsonPool = &jsonBufferPool{}

func Marshal(data interface{}) ([]byte, error) {
	buf := jsonPool.Get()
	defer jsonPool.Put(buf)

	encoder := sonic.ConfigDefault.NewEncoder(buf)
	if err := encoder.Encode(data); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

// UnmarshalConfig re-marshals a loosely typed config blob (as produced by the
// YAML parser) into a concrete backend config struct.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	configBytes, err := sonic.ConfigDefault.Marshal(normalizeKeys(config))
	if err != nil {
		return err
	}

	return sonic.ConfigDefault.Unmarshal(configBytes, target)
}

// normalizeKeys converts yaml.v3's map[interface{}]interface{} trees into
// map[string]interface{} so they survive a JSON round trip.
func normalizeKeys(value interface{}) interface{} {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		normalized := make(map[string]interface{}, len(v))
		for key, val := range v {
			normalized[fmt.Sprintf("%v", key)] = normalizeKeys(val)
		}
		return normalized
	case map[string]interface{}:
		normalized := make(map[string]interface{}, len(v))
		for key, val := range v {
			normalized[key] = normalizeKeys(val)
		}
		return normalized
	case []interface{}:
		normalized := make([]interface{}, len(v))
		for i, val := range v {
			normalized[i] = normalizeKeys(val)
		}
		return normalized
	default:
		return value
	}
}
