package redisstub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type nilArray struct{}

func readArray(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("expected array, got %q", line)
	}
	count, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("expected bulk string, got %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, errors.New("nil bulk string in command")
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeValue(w *bufio.Writer, value interface{}) error {
	var err error
	switch v := value.(type) {
	case nil:
		_, err = w.WriteString("$-1\r\n")
	case nilArray:
		_, err = w.WriteString("*-1\r\n")
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case int:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case []interface{}:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err = writeValue(w, item); err != nil {
				return err
			}
		}
	default:
		err = fmt.Errorf("unsupported reply type %T", value)
	}
	return err
}

func simpleReply(msg string) func(*bufio.Writer) error {
	return func(w *bufio.Writer) error {
		_, err := fmt.Fprintf(w, "+%s\r\n", msg)
		return err
	}
}

func errorReply(msg string) func(*bufio.Writer) error {
	return func(w *bufio.Writer) error {
		_, err := fmt.Fprintf(w, "-%s\r\n", msg)
		return err
	}
}

func bulkReply(value string) func(*bufio.Writer) error {
	return func(w *bufio.Writer) error {
		return writeValue(w, value)
	}
}

func integerReply(n int64) func(*bufio.Writer) error {
	return func(w *bufio.Writer) error {
		return writeValue(w, n)
	}
}

func arrayReply(items []interface{}) func(*bufio.Writer) error {
	return func(w *bufio.Writer) error {
		return writeValue(w, items)
	}
}

func nilReply(w *bufio.Writer) error {
	return writeValue(w, nilArray{})
}
