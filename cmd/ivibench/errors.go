package main

import "errors"

var (
	ErrInvalidFlag     = errors.New("invalid flag")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTerminalOutput  = errors.New("refusing to write binary data to a terminal")
	ErrConnectCAN      = errors.New("connect to can server")
	ErrResourcesBusy   = errors.New("guest resources busy")
)
