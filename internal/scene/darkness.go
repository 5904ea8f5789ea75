package scene

// DarknessAt reports whether the darkness mask covers the given point after
// interpreting the ordered erase/paint paths cumulatively. The scene starts
// fully dark; an erase path clears the region it encloses, a paint path
// restores it. Later paths take precedence at overlapping points, so the
// slice is scanned back to front and the first enclosing path decides.
func DarknessAt(paths []DarknessPath, x, y float64) bool {
	for i := len(paths) - 1; i >= 0; i-- {
		if !pathContains(paths[i].Path, x, y) {
			continue
		}
		return paths[i].Kind == DarknessPaint
	}
	return true
}

// pathContains treats the move/line commands as a closed polygon and tests
// the point with an even-odd ray cast.
func pathContains(path []PathCommand, x, y float64) bool {
	if len(path) < 3 {
		return false
	}
	inside := false
	j := len(path) - 1
	for i := 0; i < len(path); i++ {
		xi, yi := path[i].X, path[i].Y
		xj, yj := path[j].X, path[j].Y
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}
