// Command coldb drives the storage engine's single persisted column from the shell: put appends
// a value and commits, get/scan read back by index or range, and stat reports the file's current
// version and size. It exists purely so the core has a binding layer to exercise end to end,
// outside of a test binary (spec section 6.3's CLI exit codes apply here).
package main

import "fmt"
import "os"
import "strconv"

import "github.com/sirgallo/coldb"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		usage()
		return coldb.ExitIOError
	}

	cmd, path := args[0], args[1]

	mode := coldb.ReadWrite
	if cmd == "get" || cmd == "scan" || cmd == "stat" {
		mode = coldb.ReadOnly
	}

	db, err := coldb.Open(coldb.Options{Filepath: path, Mode: mode})
	if err != nil {
		fmt.Fprintln(os.Stderr, "coldb: attach failed:", err)
		if err == coldb.ErrInvalidFile {
			return coldb.ExitFileFormat
		}

		return coldb.ExitIOError
	}
	defer db.Close()

	a := db.Allocator()

	switch cmd {
	case "put":
		return cmdPut(db, a, args[2:])
	case "get":
		return cmdGet(db, a, args[2:])
	case "scan":
		return cmdScan(db, a, args[2:])
	case "stat":
		return cmdStat(db)
	default:
		usage()
		return coldb.ExitIOError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: coldb <put|get|scan|stat> <file> [args...]")
}

func cmdPut(db *coldb.ColDB, a *coldb.Allocator, args []string) int {
	if len(args) != 1 {
		usage()
		return coldb.ExitIOError
	}

	v, parseErr := strconv.ParseInt(args[0], 10, 64)
	if parseErr != nil {
		fmt.Fprintln(os.Stderr, "coldb: invalid value:", parseErr)
		return coldb.ExitIOError
	}

	err := coldb.Update(db, a, func(tx *coldb.UpdateTx) error {
		return tx.Column().Append(v)
	})

	if err != nil {
		fmt.Fprintln(os.Stderr, "coldb: put failed:", err)
		if err == coldb.ErrOutOfMemory {
			return coldb.ExitOutOfSpace
		}

		return coldb.ExitIOError
	}

	return coldb.ExitOK
}

func cmdGet(db *coldb.ColDB, a *coldb.Allocator, args []string) int {
	if len(args) != 1 {
		usage()
		return coldb.ExitIOError
	}

	i, parseErr := strconv.Atoi(args[0])
	if parseErr != nil {
		fmt.Fprintln(os.Stderr, "coldb: invalid index:", parseErr)
		return coldb.ExitIOError
	}

	view, err := coldb.View(db, a)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coldb: view failed:", err)
		return coldb.ExitIOError
	}
	defer view.Done()

	v, err := view.Column().Get(i)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coldb: get failed:", err)
		return coldb.ExitIOError
	}

	fmt.Println(v)
	return coldb.ExitOK
}

func cmdScan(db *coldb.ColDB, a *coldb.Allocator, args []string) int {
	view, err := coldb.View(db, a)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coldb: view failed:", err)
		return coldb.ExitIOError
	}
	defer view.Done()

	size, err := view.Column().Size()
	if err != nil {
		fmt.Fprintln(os.Stderr, "coldb: size failed:", err)
		return coldb.ExitIOError
	}

	start, end := 0, size
	if len(args) >= 1 {
		start, _ = strconv.Atoi(args[0])
	}
	if len(args) >= 2 {
		end, _ = strconv.Atoi(args[1])
	}

	sg := view.Column().NewSequentialGetter()
	for i := start; i < end; i++ {
		v, err := sg.Get(i)
		if err != nil {
			fmt.Fprintln(os.Stderr, "coldb: scan failed:", err)
			return coldb.ExitIOError
		}

		fmt.Println(v)
	}

	return coldb.ExitOK
}

func cmdStat(db *coldb.ColDB) int {
	version, rootRef, size, err := db.Stat()
	if err != nil {
		fmt.Fprintln(os.Stderr, "coldb: stat failed:", err)
		return coldb.ExitIOError
	}

	fmt.Printf("version=%d root=%d file_size=%d\n", version, rootRef, size)
	return coldb.ExitOK
}
