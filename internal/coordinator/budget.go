package coordinator

import "fmt"

// CacheRequest is one join buffer's desired and minimum size, in bytes.
type CacheRequest struct {
	Name        string
	Preferred   int
	Floor       int
}

// BufferBudget allocates a per-query byte budget across several join
// buffers. Each cache first gets its preferred size; if the total exceeds
// budget, every cache is shrunk by the same ratio, clamped at its own
// floor. A cache that cannot be sized at or above its floor fails the plan
// (spec §5 "Shared resources").
func BufferBudget(requests []CacheRequest, budget int) (map[string]int, error) {
	total := 0
	for _, r := range requests {
		total += r.Preferred
	}

	sizes := make(map[string]int, len(requests))
	if total <= budget || total == 0 {
		for _, r := range requests {
			sizes[r.Name] = r.Preferred
		}
		return sizes, nil
	}

	ratio := float64(budget) / float64(total)
	for _, r := range requests {
		size := int(float64(r.Preferred) * ratio)
		if size < r.Floor {
			size = r.Floor
		}
		if size < r.Floor {
			return nil, fmt.Errorf("coordinator: cache %q cannot be sized at or above its floor of %d bytes", r.Name, r.Floor)
		}
		sizes[r.Name] = size
	}

	shrunkTotal := 0
	for _, v := range sizes {
		shrunkTotal += v
	}
	if shrunkTotal > budget {
		overflow := shrunkTotal - budget
		for _, r := range requests {
			if overflow <= 0 {
				break
			}
			slack := sizes[r.Name] - r.Floor
			if slack <= 0 {
				continue
			}
			take := slack
			if take > overflow {
				take = overflow
			}
			sizes[r.Name] -= take
			overflow -= take
		}
		if overflow > 0 {
			return nil, fmt.Errorf("coordinator: buffer budget of %d bytes cannot fit all caches even at their floors", budget)
		}
	}
	return sizes, nil
}
