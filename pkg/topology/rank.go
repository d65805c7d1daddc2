package topology

import (
	"strconv"
	"strings"
)

// Assignment is the global identity of one instance.
type Assignment struct {
	GlobalRank int `json:"global_rank"`
	WorldSize  int `json:"world_size"`
}

// Assign maps (nodeIndex, localIndex) to a global rank.
//
// globalRank = nodeIndex*instancesPerNode + localIndex and
// worldSize = totalNodes*instancesPerNode. For in-range inputs this is a
// bijection onto [0, worldSize).
func Assign(nodeIndex, localIndex, instancesPerNode, totalNodes int) Assignment {
	return Assignment{
		GlobalRank: nodeIndex*instancesPerNode + localIndex,
		WorldSize:  totalNodes * instancesPerNode,
	}
}

// FormatGPUIDs renders a GPU set as a CUDA_VISIBLE_DEVICES value.
func FormatGPUIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseGPUIDs parses a comma separated device list such as "0,1,4,5".
// Empty input yields nil.
func ParseGPUIDs(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 {
			return nil, &ConfigurationError{Field: "visible_devices", Message: "invalid device id " + strconv.Quote(f)}
		}
		out = append(out, n)
	}
	return out, nil
}
