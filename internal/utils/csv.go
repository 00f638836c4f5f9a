package utils

import (
	"encoding/csv"
	"sort"

	"github.com/facette/natsort"
)

type CSV [][]string

func (data CSV) Less(i, j int) bool {
	return natsort.Compare(data[i][0], data[j][0])
}

func (data CSV) Len() int {
	return len(data)
}
func (data CSV) Swap(i, j int) {
	data[i], data[j] = data[j], data[i]
}

func WriteAsCSV(data CSV, path, subpath, filename string, columns []string) error {
	clearName := GetFilename(filename)
	file, err := OpenFile(true, path, subpath, clearName)
	if err != nil {
		return err
	}
	defer file.Close()
	w := csv.NewWriter(file)
	w.WriteAll([][]string{columns})
	sort.Sort(data)
	w.WriteAll(data)
	w.Flush()
	return w.Error()
}
