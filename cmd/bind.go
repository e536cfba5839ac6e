package cmd

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindFlags binds each viper key to the named flag of fs.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if f := fs.Lookup(flag); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}
