package scanner

import (
	"encoding/json"
	"os"
)

// InventoryRecord is one entry of the inventory file: {ip, name, uuid, id, key}.
// key is the device's 16-character local_key, used verbatim as the AES key;
// devices.json stores it as a printable secret, not hex or base64.
type InventoryRecord struct {
	IP   string `json:"ip"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
	ID   string `json:"id"`
	Key  string `json:"key"`
}

// LoadInventory reads the inventory file at path. A missing file is
// non-fatal and returns an empty slice, matching the scanner's "treated as
// empty array" policy; any other read or parse error is returned.
func LoadInventory(path string) ([]InventoryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newErr(InventoryLoadFailed, "read %s: %v", path, err)
	}
	var records []InventoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, newErr(InventoryLoadFailed, "parse %s: %v", path, err)
	}
	return records, nil
}
