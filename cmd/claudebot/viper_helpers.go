package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func flagOrViperString(cmd *cobra.Command, flagName, viperKey string) string {
	v, _ := cmd.Flags().GetString(flagName)
	if cmd.Flags().Changed(flagName) {
		return v
	}
	if viperKey != "" && viper.IsSet(viperKey) {
		return viper.GetString(viperKey)
	}
	return v
}

func flagOrViperBool(cmd *cobra.Command, flagName, viperKey string) bool {
	v, _ := cmd.Flags().GetBool(flagName)
	if cmd.Flags().Changed(flagName) {
		return v
	}
	if viperKey != "" && viper.IsSet(viperKey) {
		return viper.GetBool(viperKey)
	}
	return v
}

func flagOrViperDuration(cmd *cobra.Command, flagName, viperKey string) time.Duration {
	v, _ := cmd.Flags().GetDuration(flagName)
	if cmd.Flags().Changed(flagName) {
		return v
	}
	if viperKey != "" && viper.IsSet(viperKey) {
		return viper.GetDuration(viperKey)
	}
	return v
}

func flagOrViperInt64Slice(cmd *cobra.Command, flagName, viperKey string) ([]int64, error) {
	v, _ := cmd.Flags().GetInt64Slice(flagName)
	if cmd.Flags().Changed(flagName) {
		return v, nil
	}
	if viperKey != "" && viper.IsSet(viperKey) {
		return parseInt64List(viper.Get(viperKey))
	}
	return v, nil
}

// parseInt64List accepts the shapes a user id list arrives in: a YAML list,
// or a comma/space separated string from the environment.
func parseInt64List(raw any) ([]int64, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []int64:
		return v, nil
	case []int:
		out := make([]int64, 0, len(v))
		for _, n := range v {
			out = append(out, int64(n))
		}
		return out, nil
	case []string:
		return parseInt64Strings(v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
		return parseInt64Strings(items)
	case string:
		return parseInt64Strings(strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}))
	case int:
		return []int64{int64(v)}, nil
	case int64:
		return []int64{v}, nil
	default:
		return nil, fmt.Errorf("unsupported id list type %T", raw)
	}
}

func parseInt64Strings(items []string) ([]int64, error) {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", item, err)
		}
		out = append(out, n)
	}
	return out, nil
}
