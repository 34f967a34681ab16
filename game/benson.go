package game

// PassAliveArea runs Benson's algorithm for pla: a chain survives while it has two
// vital regions, a region survives while every chain bordering it survives. The
// result marks surviving chains and the regions they enclose.
func (b *Board) PassAliveArea(pla Player) []bool {
	n := len(b.stones)
	var buf [4]Loc

	chainID := make([]int, n)
	regionID := make([]int, n)
	for i := range chainID {
		chainID[i] = -1
		regionID[i] = -1
	}

	var chains [][]Loc
	var regions [][]Loc
	for i := 0; i < n; i++ {
		loc := Loc(i)
		if b.stones[i] == pla && chainID[i] < 0 {
			id := len(chains)
			group := []Loc{loc}
			chainID[i] = id
			for j := 0; j < len(group); j++ {
				for _, nb := range b.neighbors(group[j], &buf) {
					if b.stones[nb] == pla && chainID[nb] < 0 {
						chainID[nb] = id
						group = append(group, nb)
					}
				}
			}
			chains = append(chains, group)
		}
		if b.stones[i] != pla && regionID[i] < 0 {
			id := len(regions)
			region := []Loc{loc}
			regionID[i] = id
			for j := 0; j < len(region); j++ {
				for _, nb := range b.neighbors(region[j], &buf) {
					if b.stones[nb] != pla && regionID[nb] < 0 {
						regionID[nb] = id
						region = append(region, nb)
					}
				}
			}
			regions = append(regions, region)
		}
	}

	// Chains bordering each region, and whether the region is vital to each of them.
	borders := make([]map[int]bool, len(regions))
	for r, region := range regions {
		borders[r] = make(map[int]bool)
		for _, loc := range region {
			for _, nb := range b.neighbors(loc, &buf) {
				if c := chainID[nb]; c >= 0 {
					borders[r][c] = true
				}
			}
		}
	}
	vital := make([]map[int]bool, len(regions))
	for r, region := range regions {
		vital[r] = make(map[int]bool)
		for c := range borders[r] {
			isVital := true
			for _, loc := range region {
				if b.stones[loc] != Empty {
					continue
				}
				adjacent := false
				for _, nb := range b.neighbors(loc, &buf) {
					if chainID[nb] == c {
						adjacent = true
						break
					}
				}
				if !adjacent {
					isVital = false
					break
				}
			}
			if isVital {
				vital[r][c] = true
			}
		}
	}

	chainAlive := make([]bool, len(chains))
	for c := range chainAlive {
		chainAlive[c] = true
	}
	regionAlive := make([]bool, len(regions))
	for r := range regionAlive {
		regionAlive[r] = len(borders[r]) > 0
	}

	for changed := true; changed; {
		changed = false
		for c := range chains {
			if !chainAlive[c] {
				continue
			}
			count := 0
			for r := range regions {
				if regionAlive[r] && vital[r][c] {
					count++
				}
			}
			if count < 2 {
				chainAlive[c] = false
				changed = true
			}
		}
		for r := range regions {
			if !regionAlive[r] {
				continue
			}
			for c := range borders[r] {
				if !chainAlive[c] {
					regionAlive[r] = false
					changed = true
					break
				}
			}
		}
	}

	out := make([]bool, n)
	for c, group := range chains {
		if chainAlive[c] {
			for _, loc := range group {
				out[loc] = true
			}
		}
	}
	for r, region := range regions {
		if !regionAlive[r] {
			continue
		}
		// Open regions could still host an opposing living group.
		enclosed := false
		for c := range vital[r] {
			if chainAlive[c] {
				enclosed = true
				break
			}
		}
		if enclosed {
			for _, loc := range region {
				out[loc] = true
			}
		}
	}
	return out
}
